package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/google/renameio"
)

// id_index.bin maps vector IDs to their repo-relative vector file
// paths. Format: [n:u32] then n records of [len:u16][id][len:u16][path],
// all big endian.

func encodeIDIndex(paths map[string]string) ([]byte, error) {
	if len(paths) > math.MaxUint32 {
		return nil, fmt.Errorf("id index too large: %d entries", len(paths))
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(paths))); err != nil {
		return nil, err
	}
	for id, path := range paths {
		if err := writeShortString(&buf, id); err != nil {
			return nil, err
		}
		if err := writeShortString(&buf, path); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeIDIndex(data []byte) (map[string]string, error) {
	buf := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read id index header: %w", err)
	}
	paths := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		id, err := readShortString(buf)
		if err != nil {
			return nil, fmt.Errorf("read id index entry %d: %w", i, err)
		}
		path, err := readShortString(buf)
		if err != nil {
			return nil, fmt.Errorf("read id index entry %d: %w", i, err)
		}
		paths[id] = path
	}
	return paths, nil
}

func writeShortString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string too long for id index: %d bytes", len(s))
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readShortString(buf *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func saveIDIndex(path string, paths map[string]string) error {
	data, err := encodeIDIndex(paths)
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

func loadIDIndex(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return decodeIDIndex(data)
}
