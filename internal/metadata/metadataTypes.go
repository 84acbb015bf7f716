package metadata

// TypeRef is a type reference as stored in a method signature.
// The set of implementations is closed: SimpleType, GenericType, ArrayType,
// PointerType and ByRefType.
type TypeRef interface {
	typeRef()
}

// SimpleType is a reference to a non-generic named type.
type SimpleType struct {
	// FullName is the namespace qualified name, e.g. `System.Int32` or
	// `System.Collections.Generic.List`1`. Nested types use `/`.
	FullName string
	// Name is the name without namespace, e.g. `Int32` or `List`1`.
	Name string
}

// GenericType is an instantiation of a generic type. Args is never empty.
type GenericType struct {
	Base SimpleType
	Args []TypeRef
}

type ArrayType struct {
	Elem TypeRef
}

type PointerType struct {
	Elem TypeRef
}

type ByRefType struct {
	Elem TypeRef
}

func (SimpleType) typeRef()  {}
func (GenericType) typeRef() {}
func (ArrayType) typeRef()   {}
func (PointerType) typeRef() {}
func (ByRefType) typeRef()   {}

// System returns a reference to a type in the `System` namespace.
func System(name string) SimpleType {
	return SimpleType{FullName: "System." + name, Name: name}
}

type Parameter struct {
	Name string
	Type TypeRef
}

// ForeignMethod describes a single P/Invoke method found in a managed binary.
type ForeignMethod struct {
	// EntryPoint is the symbol looked up in the native library.
	EntryPoint string
	// Name is the managed name of the method. It usually equals EntryPoint.
	Name string
	// Library is the native library the entry point is imported from.
	Library string
	// DeclaringType is the full name of the type declaring the method.
	DeclaringType string
	ReturnType    TypeRef
	Params        []Parameter
	IsPublic      bool
	IsStatic      bool
	// CharSet is how the import marshals strings.
	CharSet CharSet
	// ModulePath is the path of the binary the method was read from.
	ModulePath string
}

// CharSet holds the PInvoke string marshalling bits of an ImplMap row.
type CharSet uint32

const (
	CharSetNotSpec CharSet = 0x0000
	CharSetAnsi    CharSet = 0x0002
	CharSetUnicode CharSet = 0x0004
	CharSetAuto    CharSet = 0x0006
)

// AnsiStrings reports whether strings are passed as ANSI bytes. An
// unspecified charset marshals as ANSI, Auto picks UTF-16 on Windows.
func (charSet CharSet) AnsiStrings() bool {
	return charSet == CharSetAnsi || charSet == CharSetNotSpec
}
