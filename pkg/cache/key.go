package cache

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
)

// Key identifies a cacheable response. Variables are canonicalized so that key order and
// whitespace do not matter. Only the relevant headers take part, compared case-insensitively.
func Key(schemaHash uint64, operationName, query string, variables []byte, header http.Header, relevantHeaders []string) string {
	digest := xxhash.New()

	var hash [8]byte
	binary.BigEndian.PutUint64(hash[:], schemaHash)
	_, _ = digest.Write(hash[:])

	writeField(digest, operationName)
	writeField(digest, query)
	writeField(digest, string(CanonicalJSON(variables)))

	names := make([]string, 0, len(relevantHeaders))
	for _, name := range relevantHeaders {
		names = append(names, http.CanonicalHeaderKey(name))
	}
	sort.Strings(names)
	for _, name := range names {
		writeField(digest, name)
		writeField(digest, strings.Join(header.Values(name), ","))
	}

	return strconv.FormatUint(digest.Sum64(), 16)
}

func writeField(digest *xxhash.Digest, value string) {
	_, _ = digest.WriteString(strconv.Itoa(len(value)))
	_, _ = digest.WriteString(":")
	_, _ = digest.WriteString(value)
}

// CanonicalJSON renders a JSON document with sorted object keys and no insignificant
// whitespace. Empty input and null are both rendered as null.
func CanonicalJSON(data []byte) []byte {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return []byte("null")
	}
	buf := &bytes.Buffer{}
	writeCanonical(buf, gjson.ParseBytes(data))
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, value gjson.Result) {
	switch {
	case value.IsObject():
		type member struct {
			key   string
			value gjson.Result
		}
		var members []member
		value.ForEach(func(key, value gjson.Result) bool {
			members = append(members, member{key: key.String(), value: value})
			return true
		})
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].key < members[j].key
		})
		buf.WriteByte('{')
		for i, m := range members {
			if i != 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.Quote(m.key))
			buf.WriteByte(':')
			writeCanonical(buf, m.value)
		}
		buf.WriteByte('}')
	case value.IsArray():
		buf.WriteByte('[')
		for i, item := range value.Array() {
			if i != 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	case value.Type == gjson.String:
		buf.WriteString(strconv.Quote(value.String()))
	case !value.Exists():
		buf.WriteString("null")
	default:
		buf.WriteString(value.Raw)
	}
}
