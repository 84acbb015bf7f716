// The package used for reading P/Invoke declarations out of .NET metadata.
package metadata

import (
	"debug/pe"
	"fmt"

	"github.com/microsoft/go-winmd"
	"github.com/microsoft/go-winmd/flags"
	"github.com/rs/zerolog"
)

// Method attribute bits, ECMA-335 II.23.1.10.
const (
	methodAccessMask  uint32 = 0x0007
	methodPublic      uint32 = 0x0006
	methodStatic      uint32 = 0x0010
	methodPinvokeImpl uint32 = 0x2000
)

// PInvoke attribute bits, ECMA-335 II.23.1.8.
const charSetMask uint32 = 0x0006

// Coded index tags, ECMA-335 II.24.2.6.
const (
	typeDefOrRefTypeDef   = 0
	typeDefOrRefTypeRef   = 1
	typeDefOrRefTypeSpec  = 2
	memberForwardedMethod = 1
	resolutionScopeType   = 3
)

// Nesting deeper than this only happens in corrupted metadata.
const maxNestingDepth = 32

type WinMdReader struct {
	metadata winmd.Metadata
	path     string
	log      zerolog.Logger
	// nested type definition -> enclosing type definition
	enclosing     map[winmd.Index]winmd.Index
	genericParams map[genericParamKey]string
}

type genericParamKey struct {
	ownerTag uint32
	owner    winmd.Index
	number   uint32
}

// The map of signature element types to the names of their `System` types
var elementTypeNames map[flags.ElementType]string = map[flags.ElementType]string{
	flags.ElementType_VOID:       "Void",
	flags.ElementType_BOOLEAN:    "Boolean",
	flags.ElementType_CHAR:       "Char",
	flags.ElementType_I1:         "SByte",
	flags.ElementType_U1:         "Byte",
	flags.ElementType_I2:         "Int16",
	flags.ElementType_U2:         "UInt16",
	flags.ElementType_I4:         "Int32",
	flags.ElementType_U4:         "UInt32",
	flags.ElementType_I8:         "Int64",
	flags.ElementType_U8:         "UInt64",
	flags.ElementType_R4:         "Single",
	flags.ElementType_R8:         "Double",
	flags.ElementType_STRING:     "String",
	flags.ElementType_OBJECT:     "Object",
	flags.ElementType_I:          "IntPtr",
	flags.ElementType_U:          "UIntPtr",
	flags.ElementType_TYPEDBYREF: "TypedReference",
}

// Opens the managed binary under given path and reads its metadata tables.
func NewReader(path string, log zerolog.Logger) (*WinMdReader, error) {
	peFile, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("not a PE image: %w", err)
	}
	defer peFile.Close()

	winmdMetadata, err := winmd.New(peFile)
	if err != nil {
		return nil, fmt.Errorf("no readable CLI metadata: %w", err)
	}

	reader := &WinMdReader{
		metadata:      *winmdMetadata,
		path:          path,
		log:           log,
		enclosing:     make(map[winmd.Index]winmd.Index),
		genericParams: make(map[genericParamKey]string),
	}

	nestedClasses := reader.metadata.Tables.NestedClass
	for i := uint32(0); i < nestedClasses.Len; i++ {
		nested, err := nestedClasses.Record(winmd.Index(i))
		if err != nil {
			return nil, fmt.Errorf("reading nested class %d: %w", i, err)
		}
		reader.enclosing[nested.NestedClass] = nested.EnclosingClass
	}

	genericParams := reader.metadata.Tables.GenericParam
	for i := uint32(0); i < genericParams.Len; i++ {
		param, err := genericParams.Record(winmd.Index(i))
		if err != nil {
			return nil, fmt.Errorf("reading generic parameter %d: %w", i, err)
		}
		key := genericParamKey{
			ownerTag: uint32(param.Owner.Tag),
			owner:    param.Owner.Index,
			number:   uint32(param.Number),
		}
		reader.genericParams[key] = param.Name.String()
	}

	return reader, nil
}

// ReadMethods returns every P/Invoke method declared in the binary under
// given path. Files that are not managed binaries, or whose metadata cannot
// be read, report found == false and are meant to be skipped silently.
func ReadMethods(path string, log zerolog.Logger) (methods []ForeignMethod, found bool) {
	defer func() {
		// go-winmd indexes straight into the image, corrupted tables panic
		if r := recover(); r != nil {
			log.Debug().Str("file", path).Interface("panic", r).Msg("Skipping unreadable binary.")
			methods, found = nil, false
		}
	}()

	reader, err := NewReader(path, log)
	if err != nil {
		log.Debug().Str("file", path).Err(err).Msg("Skipping unreadable binary.")
		return nil, false
	}

	methods, err = reader.ForeignMethods()
	if err != nil {
		log.Debug().Str("file", path).Err(err).Msg("Skipping unreadable binary.")
		return nil, false
	}

	return methods, true
}

// ForeignMethods walks all type definitions and collects their P/Invoke methods.
func (reader *WinMdReader) ForeignMethods() ([]ForeignMethod, error) {
	imports, err := reader.importsByMethod()
	if err != nil {
		return nil, err
	}

	tables := reader.metadata.Tables
	methods := make([]ForeignMethod, 0, len(imports))
	for i := uint32(0); i < tables.TypeDef.Len; i++ {
		typeDef, err := tables.TypeDef.Record(winmd.Index(i))
		if err != nil {
			return nil, fmt.Errorf("reading type definition %d: %w", i, err)
		}

		typeName, err := reader.typeDefFullName(winmd.Index(i), 0)
		if err != nil {
			return nil, err
		}

		for idx := typeDef.MethodList.Start; idx < typeDef.MethodList.End; idx++ {
			methodDef, err := tables.MethodDef.Record(idx)
			if err != nil {
				return nil, fmt.Errorf("reading method definition %d: %w", idx, err)
			}

			if uint32(methodDef.Flags)&methodPinvokeImpl == 0 {
				continue
			}

			implMap, found := imports[idx]
			if !found {
				continue
			}

			method, err := reader.getMethod(winmd.Index(i), idx, methodDef, implMap, typeName)
			if err != nil {
				reader.log.Debug().
					Str("file", reader.path).
					Str("method", methodDef.Name.String()).
					Err(err).
					Msg("Skipping method with unreadable signature.")
				continue
			}

			methods = append(methods, method)
		}
	}

	return methods, nil
}

// Maps method definitions to the ImplMap rows forwarding them to a native library.
func (reader *WinMdReader) importsByMethod() (map[winmd.Index]*winmd.ImplMap, error) {
	table := reader.metadata.Tables.ImplMap
	imports := make(map[winmd.Index]*winmd.ImplMap, table.Len)
	for i := uint32(0); i < table.Len; i++ {
		implMap, err := table.Record(winmd.Index(i))
		if err != nil {
			return nil, fmt.Errorf("reading import map %d: %w", i, err)
		}

		if implMap.MemberForwarded.Tag != memberForwardedMethod {
			continue
		}

		imports[implMap.MemberForwarded.Index] = implMap
	}

	return imports, nil
}

func (reader *WinMdReader) getMethod(typeIndex, methodIndex winmd.Index, methodDef *winmd.MethodDef, implMap *winmd.ImplMap, typeName string) (ForeignMethod, error) {
	signature, err := reader.getSignature(typeIndex, methodIndex, methodDef)
	if err != nil {
		return ForeignMethod{}, err
	}

	names, err := reader.paramNames(methodDef)
	if err != nil {
		return ForeignMethod{}, err
	}

	params := make([]Parameter, 0, len(signature.params))
	for i, paramType := range signature.params {
		params = append(params, Parameter{Name: paramName(names, i), Type: paramType})
	}

	library, err := reader.metadata.Tables.ModuleRef.Record(implMap.ImportScope)
	if err != nil {
		return ForeignMethod{}, fmt.Errorf("no matching module reference was found: %w", err)
	}

	attributes := uint32(methodDef.Flags)
	return ForeignMethod{
		EntryPoint:    entryPoint(implMap.ImportName.String(), methodDef.Name.String()),
		Name:          methodDef.Name.String(),
		Library:       library.Name.String(),
		DeclaringType: typeName,
		ReturnType:    signature.returnType,
		Params:        params,
		IsPublic:      attributes&methodAccessMask == methodPublic,
		IsStatic:      attributes&methodStatic != 0,
		CharSet:       charSet(uint32(implMap.MappingFlags)),
		ModulePath:    reader.path,
	}, nil
}

// Plain signatures go through go-winmd; anything it cannot express is
// decoded from the raw blob.
func (reader *WinMdReader) getSignature(typeIndex, methodIndex winmd.Index, methodDef *winmd.MethodDef) (methodSignature, error) {
	signature, err := reader.librarySignature(methodDef)
	if err == nil {
		return signature, nil
	}

	reader.log.Trace().
		Str("method", methodDef.Name.String()).
		Err(err).
		Msg("Decoding signature blob directly.")

	signature, err = decodeMethodSignature([]byte(methodDef.Signature), reader, typeIndex, methodIndex)
	if err != nil {
		return methodSignature{}, fmt.Errorf("decoding signature: %w", err)
	}

	return signature, nil
}

func (reader *WinMdReader) librarySignature(methodDef *winmd.MethodDef) (methodSignature, error) {
	sig, err := reader.metadata.MethodDefSignature(methodDef.Signature)
	if err != nil {
		return methodSignature{}, err
	}

	returnType, err := reader.getType(sig.RetType.Type)
	if err != nil {
		return methodSignature{}, fmt.Errorf("could not determine return type: %w", err)
	}

	params := make([]TypeRef, 0, len(sig.Param))
	for i, methodParam := range sig.Param {
		paramType, err := reader.getType(methodParam.Type)
		if err != nil {
			return methodSignature{}, fmt.Errorf("could not determine type of parameter %d: %w", i, err)
		}
		params = append(params, paramType)
	}

	return methodSignature{returnType: returnType, params: params}, nil
}

func charSet(mappingFlags uint32) CharSet {
	return CharSet(mappingFlags & charSetMask)
}

// Param rows are keyed by sequence number, 0 being the return value.
func (reader *WinMdReader) paramNames(methodDef *winmd.MethodDef) (map[uint32]string, error) {
	names := make(map[uint32]string)
	for idx := methodDef.ParamList.Start; idx < methodDef.ParamList.End; idx++ {
		param, err := reader.metadata.Tables.Param.Record(idx)
		if err != nil {
			return nil, fmt.Errorf("reading parameter %d: %w", idx, err)
		}
		names[uint32(param.Sequence)] = param.Name.String()
	}

	return names, nil
}

func paramName(names map[uint32]string, position int) string {
	if name := names[uint32(position+1)]; name != "" {
		return name
	}

	return fmt.Sprintf("arg%d", position)
}

func entryPoint(importName, methodName string) string {
	if importName == "" {
		return methodName
	}

	return importName
}

func (reader *WinMdReader) getType(sigType winmd.SigType) (TypeRef, error) {
	if name, found := elementTypeNames[sigType.Kind]; found {
		return System(name), nil
	}

	switch sigType.Kind {
	case flags.ElementType_PTR:
		elem, err := reader.getElementType(sigType)
		return PointerType{Elem: elem}, err
	case flags.ElementType_BYREF:
		elem, err := reader.getElementType(sigType)
		return ByRefType{Elem: elem}, err
	case flags.ElementType_CLASS, flags.ElementType_VALUETYPE:
		index, ok := sigType.Value.(winmd.CodedIndex)
		if !ok {
			return nil, fmt.Errorf("element type %v carries no type index", sigType.Kind)
		}
		return reader.namedType(uint32(index.Tag), index.Index)
	}

	return nil, fmt.Errorf("unsupported element type %v", sigType.Kind)
}

func (reader *WinMdReader) getElementType(sigType winmd.SigType) (TypeRef, error) {
	inner, ok := sigType.Value.(winmd.SigType)
	if !ok {
		return nil, fmt.Errorf("element type %v carries no inner type", sigType.Kind)
	}

	return reader.getType(inner)
}

func (reader *WinMdReader) genericParamName(ownerTag uint32, owner winmd.Index, number uint32) (string, bool) {
	name, found := reader.genericParams[genericParamKey{ownerTag: ownerTag, owner: owner, number: number}]
	return name, found && name != ""
}

// Resolves a TypeDefOrRef coded index to the name it declares.
func (reader *WinMdReader) namedType(tag uint32, index winmd.Index) (SimpleType, error) {
	switch tag {
	case typeDefOrRefTypeDef:
		fullName, err := reader.typeDefFullName(index, 0)
		if err != nil {
			return SimpleType{}, err
		}
		typeDef, err := reader.metadata.Tables.TypeDef.Record(index)
		if err != nil {
			return SimpleType{}, fmt.Errorf("did not found matching type definition: %w", err)
		}
		return SimpleType{FullName: fullName, Name: typeDef.Name.String()}, nil
	case typeDefOrRefTypeRef:
		fullName, err := reader.typeRefFullName(index, 0)
		if err != nil {
			return SimpleType{}, err
		}
		typeRef, err := reader.metadata.Tables.TypeRef.Record(index)
		if err != nil {
			return SimpleType{}, fmt.Errorf("did not found matching type reference: %w", err)
		}
		return SimpleType{FullName: fullName, Name: typeRef.Name.String()}, nil
	case typeDefOrRefTypeSpec:
		return SimpleType{}, fmt.Errorf("type specification %d cannot be named", index)
	}

	return SimpleType{}, fmt.Errorf("unknown TypeDefOrRef tag %d", tag)
}

func (reader *WinMdReader) typeDefFullName(index winmd.Index, depth int) (string, error) {
	if depth > maxNestingDepth {
		return "", fmt.Errorf("type definition %d is nested too deeply", index)
	}

	typeDef, err := reader.metadata.Tables.TypeDef.Record(index)
	if err != nil {
		return "", fmt.Errorf("did not found matching type definition: %w", err)
	}

	if enclosing, nested := reader.enclosing[index]; nested {
		outer, err := reader.typeDefFullName(enclosing, depth+1)
		if err != nil {
			return "", err
		}
		return outer + "/" + typeDef.Name.String(), nil
	}

	return qualify(typeDef.Namespace.String(), typeDef.Name.String()), nil
}

func (reader *WinMdReader) typeRefFullName(index winmd.Index, depth int) (string, error) {
	if depth > maxNestingDepth {
		return "", fmt.Errorf("type reference %d is nested too deeply", index)
	}

	typeRef, err := reader.metadata.Tables.TypeRef.Record(index)
	if err != nil {
		return "", fmt.Errorf("did not found matching type reference: %w", err)
	}

	if typeRef.ResolutionScope.Tag == resolutionScopeType {
		outer, err := reader.typeRefFullName(typeRef.ResolutionScope.Index, depth+1)
		if err != nil {
			return "", err
		}
		return outer + "/" + typeRef.Name.String(), nil
	}

	return qualify(typeRef.Namespace.String(), typeRef.Name.String()), nil
}

func qualify(namespace, name string) string {
	if namespace == "" {
		return name
	}

	return namespace + "." + name
}
