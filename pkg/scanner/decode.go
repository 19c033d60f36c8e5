package scanner

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/luminestory/bulwark/pkg/patterns"
)

// The decode pass runs exactly once per message: decoded content is checked
// against the confirmation keywords but never rescanned or re-decoded.
// The cap keeps an adversary from amplifying work with nested encodings.

var (
	// RE2 has no lookarounds, so the base64 run is isolated with boundary
	// groups instead of the original lookbehind.
	reBase64Run = regexp.MustCompile(`(?:^|[^A-Za-z0-9+/=])([A-Za-z0-9+/]{24,}={0,2})(?:[^A-Za-z0-9+/=]|$)`)
	reDataURI   = regexp.MustCompile(`(?i)data:[^;]+;base64,([A-Za-z0-9+/]{24,}={0,2})`)
	rePercent   = regexp.MustCompile(`(?:%[0-9a-fA-F]{2}){8,}`)
	reUnicode   = regexp.MustCompile(`(?:\\u[0-9a-fA-F]{4}){4,}`)
	reUniPair   = regexp.MustCompile(`\\u([0-9a-fA-F]{4})`)
	reHexRun    = regexp.MustCompile(`(?:\\x[0-9a-fA-F]{2}){8,}`)
	reHexPair   = regexp.MustCompile(`\\x([0-9a-fA-F]{2})`)
)

// confirmKeywords decide whether decoded content actually carries an
// injection. Random base64 (hashes, tokens) decodes to noise and stays silent.
var confirmKeywords = []string{
	"ignore previous instructions",
	"system prompt",
	"jailbreak",
	"developer mode override",
	"role: system",
	"begin prompt",
	"override",
	"猫娘",
	"越狱",
}

const (
	maxChunkLen    = 4096
	longPayloadLen = 2000
)

// runDecoder dispatches one decode strategy against the raw text and reports
// a confirmed hit with a preview of the decoded content.
func runDecoder(d patterns.Decoder, text string) (string, bool) {
	switch d {
	case patterns.DecoderBase64:
		return decodeBase64Runs(text)
	case patterns.DecoderDataURI:
		return decodeDataURI(text)
	case patterns.DecoderPercent:
		return decodePercentRuns(text)
	case patterns.DecoderUnicode:
		return decodeUnicodeRuns(text)
	case patterns.DecoderHex:
		return decodeHexRuns(text)
	case patterns.DecoderLength:
		if len(text) > longPayloadLen {
			return "prompt exceeds " + strconv.Itoa(longPayloadLen) + " characters", true
		}
		return "", false
	default:
		return "", false
	}
}

func confirmed(decoded string) bool {
	lower := strings.ToLower(decoded)
	for _, kw := range confirmKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func decodeBase64Runs(text string) (string, bool) {
	for _, m := range reBase64Run.FindAllStringSubmatch(text, -1) {
		chunk := m[1]
		if len(chunk) > maxChunkLen {
			continue
		}
		decoded, ok := decodeBase64Chunk(chunk)
		if ok && confirmed(decoded) {
			return "decoded: " + decoded, true
		}
	}
	return "", false
}

func decodeDataURI(text string) (string, bool) {
	m := reDataURI.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	decoded, ok := decodeBase64Chunk(m[1])
	if ok && confirmed(decoded) {
		return "decoded: " + decoded, true
	}
	return "", false
}

// decodeBase64Chunk pads, strictly decodes and, if the bytes look gzipped,
// inflates them once.
func decodeBase64Chunk(chunk string) (string, bool) {
	padded := chunk + strings.Repeat("=", (4-len(chunk)%4)%4)
	raw, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		return "", false
	}
	if len(raw) > 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		if zr, err := gzip.NewReader(bytes.NewReader(raw)); err == nil {
			if inflated, err := io.ReadAll(io.LimitReader(zr, maxChunkLen)); err == nil {
				raw = inflated
			}
			_ = zr.Close()
		}
	}
	return strings.ToValidUTF8(string(raw), ""), true
}

func decodePercentRuns(text string) (string, bool) {
	for _, run := range rePercent.FindAllString(text, -1) {
		decoded, err := url.PathUnescape(run)
		if err != nil {
			continue
		}
		if confirmed(decoded) {
			return "decoded: " + decoded, true
		}
	}
	return "", false
}

func decodeUnicodeRuns(text string) (string, bool) {
	runs := reUnicode.FindAllString(text, -1)
	if len(runs) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, run := range runs {
		for _, pair := range reUniPair.FindAllStringSubmatch(run, -1) {
			if v, err := strconv.ParseUint(pair[1], 16, 32); err == nil {
				b.WriteRune(rune(v))
			}
		}
	}
	if decoded := b.String(); confirmed(decoded) {
		return "decoded: " + decoded, true
	}
	return "", false
}

func decodeHexRuns(text string) (string, bool) {
	runs := reHexRun.FindAllString(text, -1)
	if len(runs) == 0 {
		return "", false
	}
	var raw []byte
	for _, run := range runs {
		for _, pair := range reHexPair.FindAllStringSubmatch(run, -1) {
			if v, err := strconv.ParseUint(pair[1], 16, 8); err == nil {
				raw = append(raw, byte(v))
			}
		}
	}
	decoded := strings.ToValidUTF8(string(raw), "")
	if confirmed(decoded) {
		return "decoded: " + decoded, true
	}
	return "", false
}
