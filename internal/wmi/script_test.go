package wmi

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

func TestBuildQueryScript_QuotesArguments(t *testing.T) {
	script := BuildQueryScript(`root\cimv2`, "select PercentProcessorTime from Win32_PerfFormattedData_PerfOS_Processor where name = '_Total'")

	assert.Contains(t, script, `-Namespace 'root\cimv2'`)
	assert.Contains(t, script, `where name = ''_Total'''`)
	assert.Contains(t, script, "ConvertTo-Json -InputObject $rows -Compress")
	assert.Contains(t, script, "$_.Properties")
}

func TestEncodeCommand_UTF16LE(t *testing.T) {
	encoded, err := EncodeCommand("Get-Date")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Len(t, raw, 2*len("Get-Date"))

	decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
	require.NoError(t, err)
	assert.Equal(t, "Get-Date", string(decoded))
}

func TestCommandLine(t *testing.T) {
	line := commandLine(DefaultShell, "QUJD")
	assert.True(t, strings.HasPrefix(line, "powershell.exe -NoProfile -NonInteractive -EncodedCommand "))
	assert.True(t, strings.HasSuffix(line, " QUJD"))
}
