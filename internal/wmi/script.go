package wmi

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// jsonDepth bounds ConvertTo-Json for embedded objects and arrays.
const jsonDepth = 4

// BuildQueryScript returns a PowerShell script that runs query in namespace
// and prints the rows as a JSON array. Only the object's own properties are
// emitted (no __GENUS/__CLASS system properties, no PowerShell adapter members)
// and their order is preserved.
func BuildQueryScript(namespace, query string) string {
	return fmt.Sprintf(
		"$ProgressPreference = 'SilentlyContinue'; "+
			"$rows = @(Get-WmiObject -Namespace %s -Query %s -ErrorAction Stop | ForEach-Object { "+
			"$o = [ordered]@{}; foreach ($p in $_.Properties) { $o[$p.Name] = $p.Value }; $o }); "+
			"ConvertTo-Json -InputObject $rows -Compress -Depth %d",
		quote(namespace), quote(query), jsonDepth,
	)
}

// quote renders s as a PowerShell single-quoted string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// EncodeCommand encodes a script for powershell.exe -EncodedCommand (base64 of UTF-16LE).
func EncodeCommand(script string) (string, error) {
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	encoded, err := encoder.String(script)
	if err != nil {
		return "", fmt.Errorf("failed to encode script as UTF-16LE: %w", err)
	}
	return base64.StdEncoding.EncodeToString([]byte(encoded)), nil
}

// powershellArgs are the arguments passed before the encoded script.
var powershellArgs = []string{"-NoProfile", "-NonInteractive", "-EncodedCommand"}

// commandLine returns the full command string used over WinRM.
func commandLine(shell, encoded string) string {
	return shell + " " + strings.Join(powershellArgs, " ") + " " + encoded
}
