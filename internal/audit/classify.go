package audit

import "regexp"

// sensitivePathPatterns matches file paths that are considered sensitive
// when a dispatched command writes to them — credential material and host
// SSH/cloud configuration an attacker would want to read or overwrite,
// trimmed down from the teacher's coding-repo patterns (Dockerfile,
// .github/workflows, Makefile, ...) to what's meaningful for commands run
// directly on a remote host rather than inside a cloned git repo.
var sensitivePathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.env($|\.)`),
	regexp.MustCompile(`(?i)\.(pem|key|crt|cer|p12|pfx)$`),
	regexp.MustCompile(`(?i)credentials?`),
	regexp.MustCompile(`(?i)secrets?\.`),
	regexp.MustCompile(`(?i)id_rsa`),
	regexp.MustCompile(`(?i)authorized_keys$`),
	regexp.MustCompile(`(?i)(^|/)\.ssh/`),
	regexp.MustCompile(`(?i)(^|/)\.gnupg/`),
	regexp.MustCompile(`(?i)(^|/)\.aws/`),
	regexp.MustCompile(`(?i)(^|/)\.kube/`),
}

// packageInstallPatterns matches commands that install packages.
var packageInstallPatterns = []*regexp.Regexp{
	// npm/yarn/pnpm
	regexp.MustCompile(`(?i)\bnpm\s+(install|i|add|ci)\b`),
	regexp.MustCompile(`(?i)\byarn\s+(add|install)\b`),
	regexp.MustCompile(`(?i)\bpnpm\s+(add|install|i)\b`),
	// pip/pipx
	regexp.MustCompile(`(?i)\bpip3?\s+install\b`),
	regexp.MustCompile(`(?i)\bpipx?\s+install\b`),
	// go
	regexp.MustCompile(`(?i)\bgo\s+(get|install)\b`),
	// apt/apk
	regexp.MustCompile(`(?i)\bapt(-get)?\s+install\b`),
	regexp.MustCompile(`(?i)\bapk\s+add\b`),
	// cargo/gem/composer
	regexp.MustCompile(`(?i)\bcargo\s+install\b`),
	regexp.MustCompile(`(?i)\bgem\s+install\b`),
	regexp.MustCompile(`(?i)\bcomposer\s+(require|install)\b`),
	// brew
	regexp.MustCompile(`(?i)\bbrew\s+install\b`),
}

// outboundTransferPatterns matches commands that could exfiltrate data.
var outboundTransferPatterns = []*regexp.Regexp{
	// curl with POST/PUT/PATCH or data flags
	regexp.MustCompile(`(?i)\bcurl\b[^|]*(-X\s*(POST|PUT|PATCH)|--data|-d\s|--upload-file|-T\s|-F\s|--form)`),
	// wget with POST data
	regexp.MustCompile(`(?i)\bwget\b[^|]*(--post-data|--post-file)`),
	// scp (any direction)
	regexp.MustCompile(`(?i)\bscp\b`),
	// rsync to remote (contains user@host: pattern)
	regexp.MustCompile(`(?i)\brsync\b[^|]*\w+@[\w.-]+:`),
	// piping to netcat
	regexp.MustCompile(`\|\s*(nc|netcat)\b`),
	// sftp
	regexp.MustCompile(`(?i)\bsftp\b`),
	// ftp put commands
	regexp.MustCompile(`(?i)\bftp\b[^|]*\bput\b`),
}

// redirectTargetPattern pulls the destination path out of a shell redirect
// or tee invocation, the two ways a dispatched command writes to a named
// file on the remote host.
var redirectTargetPattern = regexp.MustCompile(`(?:>{1,2}|\btee\b(?:\s+-a)?)\s+([^\s|;&]+)`)

// IsSensitivePath returns true if the given file path matches a sensitive
// pattern.
func IsSensitivePath(path string) bool {
	for _, pattern := range sensitivePathPatterns {
		if pattern.MatchString(path) {
			return true
		}
	}
	return false
}

// IsPackageInstall returns true if the command appears to install packages.
func IsPackageInstall(command string) bool {
	for _, pattern := range packageInstallPatterns {
		if pattern.MatchString(command) {
			return true
		}
	}
	return false
}

// IsOutboundTransfer returns true if the command could exfiltrate data.
func IsOutboundTransfer(command string) bool {
	for _, pattern := range outboundTransferPatterns {
		if pattern.MatchString(command) {
			return true
		}
	}
	return false
}

// sensitiveWriteTargets returns every redirect/tee destination in command
// that matches IsSensitivePath.
func sensitiveWriteTargets(command string) []string {
	var hits []string
	for _, m := range redirectTargetPattern.FindAllStringSubmatch(command, -1) {
		if IsSensitivePath(m[1]) {
			hits = append(hits, m[1])
		}
	}
	return hits
}

// ClassifyBashCommand returns every category that applies to a dispatched
// command, used to tag the audit Details beyond its plain transition/result
// record. A single command can match multiple categories (e.g. a curl POST
// to a remote collector is both BASH_COMMAND and OUTBOUND_DATA_TRANSFER).
func ClassifyBashCommand(command string) []Category {
	categories := []Category{BashCommand}

	if IsPackageInstall(command) {
		categories = append(categories, PackageInstall)
	}
	if IsOutboundTransfer(command) {
		categories = append(categories, OutboundDataTransfer)
	}
	if len(sensitiveWriteTargets(command)) > 0 {
		categories = append(categories, SensitiveFileWrite)
	}

	return categories
}
