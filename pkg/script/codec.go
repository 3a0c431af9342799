/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: codec.go
Description: Encoding, decoding and hashing helpers exposed to scripts through the encode,
decode, hash and utils.randstr bindings.
*/

package script

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"math/big"
	"net/url"
	"strings"
)

const (
	letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
)

// Encode applies the named encoding: base64, url, html or json
func Encode(kind, s string) (string, error) {
	switch strings.ToLower(kind) {
	case "base64":
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	case "url":
		return url.QueryEscape(s), nil
	case "html":
		return html.EscapeString(s), nil
	case "json":
		b, err := json.Marshal(s)
		if err != nil {
			return "", err
		}
		// strip the surrounding quotes
		return string(b[1 : len(b)-1]), nil
	default:
		return "", fmt.Errorf("unknown encoding %q", kind)
	}
}

// Decode reverses Encode
func Decode(kind, s string) (string, error) {
	switch strings.ToLower(kind) {
	case "base64":
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", fmt.Errorf("base64 decode: %w", err)
		}
		return string(b), nil
	case "url":
		out, err := url.QueryUnescape(s)
		if err != nil {
			return "", fmt.Errorf("url decode: %w", err)
		}
		return out, nil
	case "html":
		return html.UnescapeString(s), nil
	case "json":
		var out string
		if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
			return "", fmt.Errorf("json decode: %w", err)
		}
		return out, nil
	default:
		return "", fmt.Errorf("unknown encoding %q", kind)
	}
}

// Hash returns the hex digest of s using md5 or sha256
func Hash(kind, s string) (string, error) {
	switch strings.ToLower(kind) {
	case "md5":
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	case "sha256":
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unknown hash %q", kind)
	}
}

// RandString returns n random letters, mixed with digits when withDigits is set
func RandString(n int, withDigits bool) string {
	if n <= 0 {
		return ""
	}
	alphabet := letters
	if withDigits {
		alphabet += digits
	}
	max := big.NewInt(int64(len(alphabet)))

	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			b.WriteByte(alphabet[i%len(alphabet)])
			continue
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String()
}
