package generation

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"parasiteinvoke/internal/metadata"
)

// Format selects the language of the emitted snippets.
type Format string

const (
	FormatCSharp Format = "csharp"
	FormatGo     Format = "go"
)

// ParseFormat validates a format name. An empty name selects C#.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(name)) {
	case "", FormatCSharp:
		return FormatCSharp, nil
	case FormatGo:
		return FormatGo, nil
	}

	return "", fmt.Errorf("unknown snippet format %q", name)
}

// Compilers prefix the names of hidden implementation types with it.
const brokenTypePrefix = "_"

const fileSeparator = "-------------"

// Sink is the output stream shared by every synthesizer call. Each block is
// written while holding the sink lock, so concurrent callers never interleave.
type Sink struct {
	mu  sync.Mutex
	out io.Writer
}

func NewSink(out io.Writer) *Sink {
	return &Sink{out: out}
}

// WriteBlock writes the whole text as one uninterrupted block.
func (sink *Sink) WriteBlock(text string) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	_, err := io.WriteString(sink.out, text)
	return err
}

// Synthesizer composes invocation snippets for P/Invoke methods.
type Synthesizer struct {
	Renderer *Renderer
	Format   Format
}

func NewSynthesizer(renderer *Renderer, format Format) *Synthesizer {
	if renderer == nil {
		renderer = defaultRenderer
	}
	if format == "" {
		format = FormatCSharp
	}

	return &Synthesizer{Renderer: renderer, Format: format}
}

// Synthesize returns the snippet text for given method.
func (synthesizer *Synthesizer) Synthesize(method metadata.ForeignMethod) string {
	if synthesizer.Format == FormatGo {
		return synthesizer.synthesizeGo(method)
	}

	return synthesizer.synthesizeCSharp(method)
}

func (synthesizer *Synthesizer) synthesizeCSharp(method metadata.ForeignMethod) string {
	typeName := method.DeclaringType
	broken := ""
	if strings.HasPrefix(typeName, brokenTypePrefix) {
		broken = " Broken"
	}

	returnType := synthesizer.Renderer.RenderTypeName(method.ReturnType)

	var snippet strings.Builder
	fmt.Fprintf(&snippet, "\nMethod: %s\n", method.EntryPoint)
	fmt.Fprintf(&snippet, "\t===PARASITE INVOKE%s SIGNATURE===\n", broken)
	fmt.Fprintf(&snippet, "\tAssembly asm = Assembly.LoadFrom(@\"%s\");\n", method.ModulePath)
	fmt.Fprintf(&snippet, "\tType t = asm.GetType(\"%s\", true);\n", typeName)
	fmt.Fprintf(&snippet, "\tvar methodInfo = t.GetMethod(\"%s\", %s );\n",
		method.EntryPoint, RenderBindingSelector(method.IsPublic, method.IsStatic))
	// P/Invoke methods are static, hence the null target
	fmt.Fprintf(&snippet, "\t%s result = (%s) methodInfo.Invoke(null, new object[] { %s });\n",
		returnType, returnType, synthesizer.Renderer.RenderParameterList(method.Params))
	snippet.WriteString("\t===END SIGNATURE===\n")

	return snippet.String()
}

// SynthesizeAndEmit writes the snippet for given method to the sink.
func (synthesizer *Synthesizer) SynthesizeAndEmit(method metadata.ForeignMethod, sink *Sink) error {
	return sink.WriteBlock(synthesizer.Synthesize(method))
}

// EmitFile writes the snippets of all methods found in one file, framed by
// the file header, as a single block.
func (synthesizer *Synthesizer) EmitFile(path string, methods []metadata.ForeignMethod, sink *Sink) error {
	var block strings.Builder
	writeFileHeader(&block, path)
	for _, method := range methods {
		block.WriteString(synthesizer.Synthesize(method))
	}
	block.WriteString(fileSeparator + "\n")

	return sink.WriteBlock(block.String())
}

// EmitMatch writes one method matched by name, framed by its file header.
func (synthesizer *Synthesizer) EmitMatch(path string, method metadata.ForeignMethod, sink *Sink) error {
	var block strings.Builder
	writeFileHeader(&block, path)
	block.WriteString(synthesizer.Synthesize(method))
	block.WriteString(fileSeparator + "\n")

	return sink.WriteBlock(block.String())
}

func writeFileHeader(block *strings.Builder, path string) {
	block.WriteString(fileSeparator + "\n")
	fmt.Fprintf(block, "[FILE] %s\n", path)
}
