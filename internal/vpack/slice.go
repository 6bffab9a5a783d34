// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package vpack

import (
	"fmt"
	"strconv"
)

// Slice é um valor VelocyPack codificado, posicionado no primeiro byte do valor.
// Uma Slice pode apontar para dentro de um buffer maior: ByteSize delimita
// quantos bytes pertencem ao valor.
type Slice []byte

// IsArray reporta se o valor é um array (vazio ou com index table).
func (s Slice) IsArray() bool {
	if len(s) == 0 {
		return false
	}
	t := s[0]
	return t == tagEmptyArray || t == tagArray1 || t == tagArray2 || t == tagArray4
}

// IsObject reporta se o valor é um objeto.
func (s Slice) IsObject() bool {
	if len(s) == 0 {
		return false
	}
	t := s[0]
	return t == tagEmptyObject || t == tagObject1 || t == tagObject2 || t == tagObject4
}

// IsString reporta se o valor é uma string.
func (s Slice) IsString() bool {
	if len(s) == 0 {
		return false
	}
	return (s[0] >= tagStringBase && s[0] < tagStringLong) || s[0] == tagStringLong
}

// IsInt reporta se o valor é um inteiro (signed, unsigned ou small int).
func (s Slice) IsInt() bool {
	if len(s) == 0 {
		return false
	}
	t := s[0]
	return (t >= tagIntBase && t < tagIntBase+8) ||
		(t >= tagUIntBase && t < tagUIntBase+8) ||
		(t >= tagSmallIntBase && t < tagSmallIntBase+16)
}

// ByteSize retorna o tamanho total do valor em bytes.
func (s Slice) ByteSize() (int, error) {
	if len(s) == 0 {
		return 0, ErrTooShort
	}
	t := s[0]
	switch {
	case t == tagEmptyArray || t == tagEmptyObject:
		return 1, nil
	case t == tagArray1 || t == tagObject1:
		return s.sizeField(1)
	case t == tagArray2 || t == tagObject2:
		return s.sizeField(2)
	case t == tagArray4 || t == tagObject4:
		return s.sizeField(4)
	case t >= tagIntBase && t < tagIntBase+8:
		return 1 + int(t-tagIntBase) + 1, nil
	case t >= tagUIntBase && t < tagUIntBase+8:
		return 1 + int(t-tagUIntBase) + 1, nil
	case t >= tagSmallIntBase && t < tagSmallIntBase+16:
		return 1, nil
	case t >= tagStringBase && t < tagStringLong:
		return 1 + int(t-tagStringBase), nil
	case t == tagStringLong:
		if len(s) < 9 {
			return 0, ErrTooShort
		}
		return 9 + int(readUintW(s[1:9], 8)), nil
	default:
		return 0, fmt.Errorf("%w: tag 0x%02x", ErrInvalidType, t)
	}
}

func (s Slice) sizeField(w int) (int, error) {
	if len(s) < 1+w {
		return 0, ErrTooShort
	}
	return int(readUintW(s[1:1+w], w)), nil
}

// indexWidth retorna a largura do index table de um array/objeto.
func (s Slice) indexWidth() int {
	switch s[0] {
	case tagArray1, tagObject1:
		return 1
	case tagArray2, tagObject2:
		return 2
	default:
		return 4
	}
}

// Len retorna o número de elementos de um array ou pares de um objeto.
func (s Slice) Len() (int, error) {
	if len(s) == 0 {
		return 0, ErrTooShort
	}
	if s[0] == tagEmptyArray || s[0] == tagEmptyObject {
		return 0, nil
	}
	if !s.IsArray() && !s.IsObject() {
		return 0, ErrInvalidType
	}
	w := s.indexWidth()
	if len(s) < 1+2*w {
		return 0, ErrTooShort
	}
	return int(readUintW(s[1+w:1+2*w], w)), nil
}

// At retorna o i-ésimo elemento de um array.
func (s Slice) At(i int) (Slice, error) {
	if !s.IsArray() {
		return nil, ErrInvalidType
	}
	off, err := s.offsetAt(i)
	if err != nil {
		return nil, err
	}
	return s[off:], nil
}

// offsetAt lê a i-ésima entrada do index table.
func (s Slice) offsetAt(i int) (int, error) {
	n, err := s.Len()
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= n {
		return 0, ErrIndexOutOfRange
	}
	size, err := s.ByteSize()
	if err != nil {
		return 0, err
	}
	if len(s) < size {
		return 0, ErrTooShort
	}
	w := s.indexWidth()
	pos := size - n*w + i*w
	if pos < 0 || pos+w > len(s) {
		return 0, ErrTooShort
	}
	return int(readUintW(s[pos:pos+w], w)), nil
}

// Get busca o valor de uma chave num objeto. Retorna ErrKeyNotFound
// quando a chave não existe.
func (s Slice) Get(key string) (Slice, error) {
	if !s.IsObject() {
		return nil, ErrInvalidType
	}
	n, err := s.Len()
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		off, err := s.offsetAt(i)
		if err != nil {
			return nil, err
		}
		k := Slice(s[off:])
		ks, err := k.GetString()
		if err != nil {
			return nil, err
		}
		ksize, err := k.ByteSize()
		if err != nil {
			return nil, err
		}
		if ks == key {
			return s[off+ksize:], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
}

// GetString retorna o conteúdo de uma string.
func (s Slice) GetString() (string, error) {
	if len(s) == 0 {
		return "", ErrTooShort
	}
	t := s[0]
	switch {
	case t >= tagStringBase && t < tagStringLong:
		l := int(t - tagStringBase)
		if len(s) < 1+l {
			return "", ErrTooShort
		}
		return string(s[1 : 1+l]), nil
	case t == tagStringLong:
		if len(s) < 9 {
			return "", ErrTooShort
		}
		l := int(readUintW(s[1:9], 8))
		if len(s) < 9+l {
			return "", ErrTooShort
		}
		return string(s[9 : 9+l]), nil
	default:
		return "", ErrInvalidType
	}
}

// GetInt retorna o valor de um inteiro (qualquer das três codificações).
func (s Slice) GetInt() (int64, error) {
	if len(s) == 0 {
		return 0, ErrTooShort
	}
	t := s[0]
	switch {
	case t >= tagSmallIntBase && t < tagSmallIntNegBase:
		return int64(t - tagSmallIntBase), nil
	case t >= tagSmallIntNegBase && t < tagSmallIntNegBase+6:
		return int64(t-tagSmallIntNegBase) - 6, nil
	case t >= tagUIntBase && t < tagUIntBase+8:
		n := int(t-tagUIntBase) + 1
		if len(s) < 1+n {
			return 0, ErrTooShort
		}
		return int64(readUintW(s[1:1+n], n)), nil
	case t >= tagIntBase && t < tagIntBase+8:
		n := int(t-tagIntBase) + 1
		if len(s) < 1+n {
			return 0, ErrTooShort
		}
		u := readUintW(s[1:1+n], n)
		// Sign-extend a partir da largura codificada.
		shift := uint(64 - 8*n)
		return int64(u<<shift) >> shift, nil
	default:
		return 0, ErrInvalidType
	}
}

// StringMap converte um objeto string→string num map Go.
func (s Slice) StringMap() (map[string]string, error) {
	if !s.IsObject() {
		return nil, ErrInvalidType
	}
	n, err := s.Len()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, n)
	for i := 0; i < n; i++ {
		off, err := s.offsetAt(i)
		if err != nil {
			return nil, err
		}
		k := Slice(s[off:])
		key, err := k.GetString()
		if err != nil {
			return nil, err
		}
		ksize, err := k.ByteSize()
		if err != nil {
			return nil, err
		}
		val, err := Slice(s[off+ksize:]).GetString()
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

// AppendJSON serializa o valor como JSON (para inspeção via CLI e logs).
func (s Slice) AppendJSON(dst []byte) ([]byte, error) {
	if len(s) == 0 {
		return dst, ErrTooShort
	}
	switch {
	case s.IsInt():
		v, err := s.GetInt()
		if err != nil {
			return dst, err
		}
		return strconv.AppendInt(dst, v, 10), nil
	case s.IsString():
		v, err := s.GetString()
		if err != nil {
			return dst, err
		}
		return strconv.AppendQuote(dst, v), nil
	case s.IsArray():
		n, err := s.Len()
		if err != nil {
			return dst, err
		}
		dst = append(dst, '[')
		for i := 0; i < n; i++ {
			if i > 0 {
				dst = append(dst, ',')
			}
			el, err := s.At(i)
			if err != nil {
				return dst, err
			}
			dst, err = el.AppendJSON(dst)
			if err != nil {
				return dst, err
			}
		}
		return append(dst, ']'), nil
	case s.IsObject():
		n, err := s.Len()
		if err != nil {
			return dst, err
		}
		dst = append(dst, '{')
		for i := 0; i < n; i++ {
			if i > 0 {
				dst = append(dst, ',')
			}
			off, err := s.offsetAt(i)
			if err != nil {
				return dst, err
			}
			k := Slice(s[off:])
			key, err := k.GetString()
			if err != nil {
				return dst, err
			}
			ksize, err := k.ByteSize()
			if err != nil {
				return dst, err
			}
			dst = strconv.AppendQuote(dst, key)
			dst = append(dst, ':')
			dst, err = Slice(s[off+ksize:]).AppendJSON(dst)
			if err != nil {
				return dst, err
			}
		}
		return append(dst, '}'), nil
	default:
		return dst, fmt.Errorf("%w: tag 0x%02x", ErrInvalidType, s[0])
	}
}

func readUintW(b []byte, w int) uint64 {
	var v uint64
	for i := 0; i < w; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
