package generation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parasiteinvoke/internal/metadata"
)

func TestSynthesize_GoFormat(t *testing.T) {
	got := NewSynthesizer(nil, FormatGo).Synthesize(messageBoxW())

	require.True(t, strings.HasPrefix(got, "\nMethod: MessageBoxW\n\t===PARASITE INVOKE GO SIGNATURE===\n"))
	assert.True(t, strings.HasSuffix(got, "\t===END SIGNATURE===\n"))
	assert.Contains(t, got, "func MessageBoxW(hWnd uintptr, text string, caption string, type_ uint32) (uintptr, error) {")
	assert.Contains(t, got, `dll := syscall.NewLazyDLL("user32.dll")`)
	assert.Contains(t, got, `proc := dll.NewProc("MessageBoxW")`)
	assert.Contains(t, got, "uintptr(unsafe.Pointer(syscall.StringToUTF16Ptr(text)))")
	assert.Contains(t, got, "uintptr(type_)")
	assert.Contains(t, got, "return r1, err")
}

func TestSynthesize_GoFormatAnsiAndFloats(t *testing.T) {
	method := metadata.ForeignMethod{
		EntryPoint: "DrawTextA",
		Library:    "user32.dll",
		CharSet:    metadata.CharSetAnsi,
		ReturnType: metadata.System("Int32"),
		Params: []metadata.Parameter{
			{Name: "text", Type: metadata.System("String")},
			{Name: "scale", Type: metadata.System("Double")},
			{Name: "rect", Type: metadata.ByRefType{Elem: metadata.SimpleType{FullName: "App.RECT", Name: "RECT"}}},
		},
	}

	got := NewSynthesizer(nil, FormatGo).Synthesize(method)

	assert.Contains(t, got, "syscall.StringBytePtr(text)")
	assert.Contains(t, got, "uintptr(math.Float64bits(scale))")
	assert.Contains(t, got, "rect unsafe.Pointer")
}

func TestSynthesize_GoFormatStringsFollowCharSet(t *testing.T) {
	tests := []struct {
		name       string
		entryPoint string
		charSet    metadata.CharSet
		want       string
	}{
		{name: "unicode import ending in A", entryPoint: "SetDllDirectoryA", charSet: metadata.CharSetUnicode, want: "syscall.StringToUTF16Ptr(path)"},
		{name: "auto", entryPoint: "LoadLibrary", charSet: metadata.CharSetAuto, want: "syscall.StringToUTF16Ptr(path)"},
		{name: "ansi import ending in W", entryPoint: "OpenW", charSet: metadata.CharSetAnsi, want: "syscall.StringBytePtr(path)"},
		{name: "unspecified", entryPoint: "LoadLibrary", charSet: metadata.CharSetNotSpec, want: "syscall.StringBytePtr(path)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := metadata.ForeignMethod{
				EntryPoint: tt.entryPoint,
				Library:    "kernel32.dll",
				ReturnType: metadata.System("IntPtr"),
				Params:     []metadata.Parameter{{Name: "path", Type: metadata.System("String")}},
				CharSet:    tt.charSet,
			}

			assert.Contains(t, NewSynthesizer(nil, FormatGo).Synthesize(method), tt.want)
		})
	}
}

func TestGoIdentifier(t *testing.T) {
	tests := map[string]string{
		"hWnd":  "hWnd",
		"type":  "type_",
		"func":  "func_",
		"#12":   "_12",
		"1st":   "_1st",
		"a-b":   "a_b",
		"":      "_arg",
		"Señor": "Señor",
	}

	for name, want := range tests {
		assert.Equal(t, want, goIdentifier(name), name)
	}
}
