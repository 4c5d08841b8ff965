package lint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udfhost/internal/errs"
)

func TestParseSet(t *testing.T) {
	s := ParseSet("")
	assert.True(t, s.Contains("unsafe_code"), "empty config falls back to builtin")
	assert.True(t, s.Contains("compiler_directives"))

	s = ParseSet("unsafe_code, custom_rule")
	assert.True(t, s.Contains("unsafe_code"))
	assert.True(t, s.Contains("custom_rule"))
	assert.False(t, s.Contains("process_exec"))

	assert.Equal(t, []string{"custom_rule", "unsafe_code"}, s.Slice())
}

func TestVerifyBaseline(t *testing.T) {
	require.NoError(t, ParseSet("").VerifyBaseline())

	err := ParseSet("process_exec").VerifyBaseline()
	require.Error(t, err)
	var pe *errs.PolicyError
	assert.True(t, errors.As(err, &pe))
}

func TestScannerViolations(t *testing.T) {
	sc := NewScanner()
	all := ParseSet("")

	cases := []struct {
		name string
		src  string
		lint string
	}{
		{
			name: "unsafe import",
			src:  "package scan\n\nimport \"unsafe\"\n\nfunc f() uintptr { var p unsafe.Pointer; return uintptr(p) }\n",
			lint: "unsafe_code",
		},
		{
			name: "cgo import",
			src:  "package scan\n\nimport \"C\"\n\nfunc f() {}\n",
			lint: "unsafe_code",
		},
		{
			name: "compiler directive",
			src:  "package scan\n\n//go:linkname f runtime.fastrand\nfunc f() {}\n",
			lint: "compiler_directives",
		},
		{
			name: "process exec",
			src:  "package scan\n\nimport \"os/exec\"\n\nfunc f() { exec.Command(\"sh\").Run() }\n",
			lint: "process_exec",
		},
		{
			name: "network",
			src:  "package scan\n\nimport \"net/http\"\n\nfunc f() { http.Get(\"http://example.com\") }\n",
			lint: "network_access",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := sc.Check([]byte(tc.src), all)
			require.Error(t, err)
			var pe *errs.PolicyError
			require.True(t, errors.As(err, &pe))
			assert.Contains(t, pe.Detail, tc.lint)
		})
	}
}

func TestScannerCleanSource(t *testing.T) {
	sc := NewScanner()
	src := `package scan

import "strings"

func fn1_2(s string) string {
	return strings.ToUpper(s)
}
`
	assert.NoError(t, sc.Check([]byte(src), ParseSet("")))
}

func TestScannerRespectsConfiguredSet(t *testing.T) {
	sc := NewScanner()
	src := "package scan\n\nimport \"os/exec\"\n\nfunc f() { exec.Command(\"sh\").Run() }\n"

	// process_exec not in the configured set, so the import passes.
	assert.NoError(t, sc.Check([]byte(src), ParseSet("unsafe_code")))
}

func TestScannerUnknownLint(t *testing.T) {
	sc := NewScanner()
	err := sc.Check([]byte("package scan\n"), ParseSet("no_such_lint"))
	require.Error(t, err)
	var pe *errs.PolicyError
	assert.True(t, errors.As(err, &pe))
}

func TestScannerRejectsUnparsableSource(t *testing.T) {
	sc := NewScanner()
	err := sc.Check([]byte("package scan\nfunc {{{"), ParseSet(""))
	assert.Error(t, err)
}
