package metadata

import (
	"errors"
	"fmt"

	"github.com/microsoft/go-winmd"
	"github.com/microsoft/go-winmd/flags"
)

// Signature bytes go-winmd has no element type constant for, ECMA-335 II.23.1.16.
const (
	elementCModReqd byte = 0x1f
	elementCModOpt  byte = 0x20
	elementSentinel byte = 0x41
	elementPinned   byte = 0x45
)

const callConvGeneric byte = 0x10

// TypeOrMethodDef coded index tags, owners of generic parameters.
const (
	genericOwnerType   uint32 = 0
	genericOwnerMethod uint32 = 1
)

// Function pointers and arrays of arrays cannot nest deeper than this in
// anything a compiler emits.
const maxSignatureDepth = 64

var errTruncatedSignature = errors.New("signature blob is truncated")

// Resolves the tokens found in a signature blob.
type signatureResolver interface {
	namedType(tag uint32, index winmd.Index) (SimpleType, error)
	genericParamName(ownerTag uint32, owner winmd.Index, number uint32) (string, bool)
}

type methodSignature struct {
	returnType TypeRef
	params     []TypeRef
}

// Decodes MethodDefSig blobs (ECMA-335 II.23.2.1) straight from their bytes.
// go-winmd rejects arrays, generic instances and generic parameters, which
// real P/Invoke signatures are full of.
type signatureDecoder struct {
	blob     []byte
	pos      int
	depth    int
	resolver signatureResolver
	// owners of VAR and MVAR generic parameters
	typeOwner   winmd.Index
	methodOwner winmd.Index
}

func decodeMethodSignature(blob []byte, resolver signatureResolver, typeOwner, methodOwner winmd.Index) (methodSignature, error) {
	decoder := &signatureDecoder{
		blob:        blob,
		resolver:    resolver,
		typeOwner:   typeOwner,
		methodOwner: methodOwner,
	}

	signature, err := decoder.method()
	if err != nil {
		return methodSignature{}, fmt.Errorf("at offset %d: %w", decoder.pos, err)
	}

	return signature, nil
}

func (decoder *signatureDecoder) method() (methodSignature, error) {
	callConv, err := decoder.readByte()
	if err != nil {
		return methodSignature{}, err
	}

	if callConv&callConvGeneric != 0 {
		if _, err := decoder.compressed(); err != nil {
			return methodSignature{}, err
		}
	}

	count, err := decoder.compressed()
	if err != nil {
		return methodSignature{}, err
	}
	if int(count) > len(decoder.blob)-decoder.pos {
		return methodSignature{}, errTruncatedSignature
	}

	returnType, err := decoder.param()
	if err != nil {
		return methodSignature{}, fmt.Errorf("return type: %w", err)
	}

	params := make([]TypeRef, 0, count)
	for i := uint32(0); i < count; i++ {
		// vararg call sites only, the fixed part is all a MethodDef declares
		if next, err := decoder.peek(); err == nil && next == elementSentinel {
			decoder.pos++
		}

		param, err := decoder.param()
		if err != nil {
			return methodSignature{}, fmt.Errorf("parameter %d: %w", i, err)
		}
		params = append(params, param)
	}

	return methodSignature{returnType: returnType, params: params}, nil
}

// RetType, Param and the element of PTR and SZARRAY may carry custom modifiers.
func (decoder *signatureDecoder) param() (TypeRef, error) {
	if err := decoder.skipCustomMods(); err != nil {
		return nil, err
	}

	return decoder.typ()
}

func (decoder *signatureDecoder) typ() (TypeRef, error) {
	decoder.depth++
	defer func() { decoder.depth-- }()
	if decoder.depth > maxSignatureDepth {
		return nil, errors.New("signature is nested too deeply")
	}

	b, err := decoder.readByte()
	if err != nil {
		return nil, err
	}

	kind := flags.ElementType(b)
	if name, found := elementTypeNames[kind]; found {
		return System(name), nil
	}

	switch kind {
	case flags.ElementType_PTR:
		elem, err := decoder.param()
		if err != nil {
			return nil, err
		}
		return PointerType{Elem: elem}, nil
	case flags.ElementType_BYREF:
		elem, err := decoder.typ()
		if err != nil {
			return nil, err
		}
		return ByRefType{Elem: elem}, nil
	case flags.ElementType_SZARRAY:
		elem, err := decoder.param()
		if err != nil {
			return nil, err
		}
		return ArrayType{Elem: elem}, nil
	case flags.ElementType_ARRAY:
		elem, err := decoder.typ()
		if err != nil {
			return nil, err
		}
		if err := decoder.skipArrayShape(); err != nil {
			return nil, err
		}
		return ArrayType{Elem: elem}, nil
	case flags.ElementType_CLASS, flags.ElementType_VALUETYPE:
		return decoder.typeDefOrRef()
	case flags.ElementType_GENERICINST:
		return decoder.genericInstance()
	case flags.ElementType_VAR:
		return decoder.genericParam(genericOwnerType, decoder.typeOwner)
	case flags.ElementType_MVAR:
		return decoder.genericParam(genericOwnerMethod, decoder.methodOwner)
	case flags.ElementType_FNPTR:
		// marshalled as a plain native pointer
		if _, err := decoder.method(); err != nil {
			return nil, fmt.Errorf("function pointer: %w", err)
		}
		return System("IntPtr"), nil
	}

	switch b {
	case elementPinned:
		return decoder.typ()
	case elementCModReqd, elementCModOpt:
		decoder.pos--
		return decoder.param()
	}

	return nil, fmt.Errorf("unsupported element type 0x%02x", b)
}

func (decoder *signatureDecoder) genericInstance() (TypeRef, error) {
	b, err := decoder.readByte()
	if err != nil {
		return nil, err
	}
	if kind := flags.ElementType(b); kind != flags.ElementType_CLASS && kind != flags.ElementType_VALUETYPE {
		return nil, fmt.Errorf("generic instance of element type 0x%02x", b)
	}

	base, err := decoder.typeDefOrRef()
	if err != nil {
		return nil, err
	}

	count, err := decoder.compressed()
	if err != nil {
		return nil, err
	}
	if count == 0 || int(count) > len(decoder.blob)-decoder.pos {
		return nil, fmt.Errorf("generic instance of %s with %d arguments", base.FullName, count)
	}

	args := make([]TypeRef, 0, count)
	for i := uint32(0); i < count; i++ {
		arg, err := decoder.typ()
		if err != nil {
			return nil, fmt.Errorf("could not determine generic argument: %w", err)
		}
		args = append(args, arg)
	}

	return GenericType{Base: base, Args: args}, nil
}

func (decoder *signatureDecoder) genericParam(ownerTag uint32, owner winmd.Index) (TypeRef, error) {
	number, err := decoder.compressed()
	if err != nil {
		return nil, err
	}

	name, found := decoder.resolver.genericParamName(ownerTag, owner, number)
	if !found {
		name = fmt.Sprintf("T%d", number)
	}

	return SimpleType{FullName: name, Name: name}, nil
}

// TypeDefOrRefOrSpecEncoded, ECMA-335 II.23.2.8.
func (decoder *signatureDecoder) typeDefOrRef() (SimpleType, error) {
	tag, row, err := decoder.token()
	if err != nil {
		return SimpleType{}, err
	}

	return decoder.resolver.namedType(tag, winmd.Index(row-1))
}

func (decoder *signatureDecoder) token() (tag uint32, row uint32, err error) {
	encoded, err := decoder.compressed()
	if err != nil {
		return 0, 0, err
	}

	tag, row = encoded&0x3, encoded>>2
	if row == 0 {
		return 0, 0, fmt.Errorf("null type token with tag %d", tag)
	}

	return tag, row, nil
}

func (decoder *signatureDecoder) skipCustomMods() error {
	for {
		next, err := decoder.peek()
		if err != nil {
			return err
		}
		if next != elementCModReqd && next != elementCModOpt {
			return nil
		}

		decoder.pos++
		if _, _, err := decoder.token(); err != nil {
			return fmt.Errorf("custom modifier: %w", err)
		}
	}
}

// ArrayShape, ECMA-335 II.23.2.13. Lower bounds are signed but share the
// unsigned length encoding.
func (decoder *signatureDecoder) skipArrayShape() error {
	if _, err := decoder.compressed(); err != nil {
		return err
	}

	for pass := 0; pass < 2; pass++ {
		count, err := decoder.compressed()
		if err != nil {
			return err
		}
		if int(count) > len(decoder.blob)-decoder.pos {
			return errTruncatedSignature
		}
		for i := uint32(0); i < count; i++ {
			if _, err := decoder.compressed(); err != nil {
				return err
			}
		}
	}

	return nil
}

// Compressed unsigned integer, ECMA-335 II.23.2.
func (decoder *signatureDecoder) compressed() (uint32, error) {
	first, err := decoder.readByte()
	if err != nil {
		return 0, err
	}

	switch {
	case first&0x80 == 0:
		return uint32(first), nil
	case first&0xc0 == 0x80:
		second, err := decoder.readByte()
		if err != nil {
			return 0, err
		}
		return uint32(first&0x3f)<<8 | uint32(second), nil
	case first&0xe0 == 0xc0:
		if len(decoder.blob)-decoder.pos < 3 {
			return 0, errTruncatedSignature
		}
		rest := decoder.blob[decoder.pos : decoder.pos+3]
		decoder.pos += 3
		return uint32(first&0x1f)<<24 | uint32(rest[0])<<16 | uint32(rest[1])<<8 | uint32(rest[2]), nil
	}

	return 0, fmt.Errorf("invalid compressed integer lead byte 0x%02x", first)
}

func (decoder *signatureDecoder) readByte() (byte, error) {
	b, err := decoder.peek()
	if err != nil {
		return 0, err
	}
	decoder.pos++

	return b, nil
}

func (decoder *signatureDecoder) peek() (byte, error) {
	if decoder.pos >= len(decoder.blob) {
		return 0, errTruncatedSignature
	}

	return decoder.blob[decoder.pos], nil
}
