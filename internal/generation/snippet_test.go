package generation

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parasiteinvoke/internal/metadata"
)

func messageBoxW() metadata.ForeignMethod {
	return metadata.ForeignMethod{
		EntryPoint:    "MessageBoxW",
		Name:          "MessageBoxW",
		Library:       "user32.dll",
		DeclaringType: "NativeMethods",
		ReturnType:    metadata.System("Int32"),
		Params: []metadata.Parameter{
			{Name: "hWnd", Type: metadata.System("IntPtr")},
			{Name: "text", Type: metadata.System("String")},
			{Name: "caption", Type: metadata.System("String")},
			{Name: "type", Type: metadata.System("UInt32")},
		},
		IsPublic:   false,
		IsStatic:   true,
		CharSet:    metadata.CharSetUnicode,
		ModulePath: `C:\app.dll`,
	}
}

const messageBoxWSnippet = "\nMethod: MessageBoxW\n" +
	"\t===PARASITE INVOKE SIGNATURE===\n" +
	"\tAssembly asm = Assembly.LoadFrom(@\"C:\\app.dll\");\n" +
	"\tType t = asm.GetType(\"NativeMethods\", true);\n" +
	"\tvar methodInfo = t.GetMethod(\"MessageBoxW\", System.Reflection.BindingFlags.NonPublic | System.Reflection.BindingFlags.Static );\n" +
	"\tint result = (int) methodInfo.Invoke(null, new object[] { IntPtr hWnd, string text, string caption, uint type });\n" +
	"\t===END SIGNATURE===\n"

func TestSynthesize_MessageBoxW(t *testing.T) {
	synthesizer := NewSynthesizer(nil, FormatCSharp)

	got := synthesizer.Synthesize(messageBoxW())

	assert.Equal(t, messageBoxWSnippet, got)
	assert.Equal(t, got, synthesizer.Synthesize(messageBoxW()))
}

func TestSynthesize_BrokenType(t *testing.T) {
	synthesizer := NewSynthesizer(nil, FormatCSharp)
	method := messageBoxW()
	method.DeclaringType = "_Hidden"

	gotLines := strings.Split(synthesizer.Synthesize(method), "\n")
	wantLines := strings.Split(messageBoxWSnippet, "\n")
	require.Len(t, gotLines, len(wantLines))

	for i := range wantLines {
		switch {
		case strings.Contains(wantLines[i], "===PARASITE INVOKE"):
			assert.Equal(t, "\t===PARASITE INVOKE Broken SIGNATURE===", gotLines[i])
		case strings.Contains(wantLines[i], "GetType"):
			assert.Equal(t, "\tType t = asm.GetType(\"_Hidden\", true);", gotLines[i])
		default:
			assert.Equal(t, wantLines[i], gotLines[i])
		}
	}
}

func TestSynthesize_NoParameters(t *testing.T) {
	synthesizer := NewSynthesizer(nil, FormatCSharp)
	method := metadata.ForeignMethod{
		EntryPoint:    "GetTickCount",
		DeclaringType: "Kernel32",
		ReturnType:    metadata.System("UInt32"),
		IsPublic:      true,
		IsStatic:      true,
		ModulePath:    "/tmp/app.dll",
	}

	got := synthesizer.Synthesize(method)

	assert.Contains(t, got, "\tuint result = (uint) methodInfo.Invoke(null, new object[] {  });\n")
	assert.Contains(t, got, "System.Reflection.BindingFlags.Public | System.Reflection.BindingFlags.Static")
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSharp, format)

	format, err = ParseFormat("Go")
	require.NoError(t, err)
	assert.Equal(t, FormatGo, format)

	_, err = ParseFormat("python")
	assert.Error(t, err)
}

func TestSynthesizeAndEmit(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf)

	require.NoError(t, NewSynthesizer(nil, FormatCSharp).SynthesizeAndEmit(messageBoxW(), sink))

	assert.Equal(t, messageBoxWSnippet, buf.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestSynthesizeAndEmit_SinkFailure(t *testing.T) {
	sink := NewSink(failingWriter{})

	err := NewSynthesizer(nil, FormatCSharp).SynthesizeAndEmit(messageBoxW(), sink)

	assert.EqualError(t, err, "disk full")
}

func TestSynthesizeAndEmit_ConcurrentBlocksDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf)
	synthesizer := NewSynthesizer(nil, FormatCSharp)

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := messageBoxW()
			method.EntryPoint = fmt.Sprintf("Entry%02d", i)
			assert.NoError(t, synthesizer.SynthesizeAndEmit(method, sink))
		}(i)
	}
	wg.Wait()

	blocks := strings.Split(strings.TrimPrefix(buf.String(), "\n"), "\nMethod: ")
	require.Len(t, blocks, workers)
	for _, block := range blocks {
		entryPoint := strings.TrimPrefix(strings.SplitN(block, "\n", 2)[0], "Method: ")
		method := messageBoxW()
		method.EntryPoint = entryPoint
		want := strings.TrimPrefix(synthesizer.Synthesize(method), "\nMethod: ")
		assert.Equal(t, want, strings.TrimPrefix(block, "Method: "))
	}
}

func TestEmitFile(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf)

	err := NewSynthesizer(nil, FormatCSharp).EmitFile(`C:\app.dll`, []metadata.ForeignMethod{messageBoxW()}, sink)
	require.NoError(t, err)

	want := "-------------\n[FILE] C:\\app.dll\n" + messageBoxWSnippet + "-------------\n"
	assert.Equal(t, want, buf.String())
}

func TestEmitFile_NoMethods(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, NewSynthesizer(nil, FormatCSharp).EmitFile("a.dll", nil, NewSink(&buf)))

	assert.Equal(t, "-------------\n[FILE] a.dll\n-------------\n", buf.String())
}

func TestEmitMatch(t *testing.T) {
	var buf bytes.Buffer

	err := NewSynthesizer(nil, FormatCSharp).EmitMatch("b.dll", messageBoxW(), NewSink(&buf))
	require.NoError(t, err)

	assert.Equal(t, "-------------\n[FILE] b.dll\n"+messageBoxWSnippet+"-------------\n", buf.String())
}
