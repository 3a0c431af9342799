/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: fingerprint.go
Description: Response fingerprinting for the Akaylee HTTP Fuzzer. Reduces a response to a fixed set
of numeric attributes (status, lengths, selected headers, body shape and HTML structure) that can
be compared across responses to learn which characteristics stay stable for a target.
*/

package analysis

import (
	"bytes"
	"hash/fnv"
	"net/http"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
)

// Attribute is one measurable property of a response
type Attribute int

const (
	AttrStatusCode Attribute = iota
	AttrContentLength
	AttrContentType
	AttrLocation
	AttrETag
	AttrLastModified
	AttrCookieNames
	AttrWordCount
	AttrInitialContent
	AttrPageTitle
	AttrFirstHeaderTag
	AttrLineCount
	AttrLimitedBodyContent
	AttrOutboundEdgeCount
	AttrContentLocation
)

// AllAttributes lists every attribute a Fingerprint carries
var AllAttributes = []Attribute{
	AttrStatusCode,
	AttrContentLength,
	AttrContentType,
	AttrLocation,
	AttrETag,
	AttrLastModified,
	AttrCookieNames,
	AttrWordCount,
	AttrInitialContent,
	AttrPageTitle,
	AttrFirstHeaderTag,
	AttrLineCount,
	AttrLimitedBodyContent,
	AttrOutboundEdgeCount,
	AttrContentLocation,
}

var attributeNames = map[Attribute]string{
	AttrStatusCode:         "status_code",
	AttrContentLength:      "content_length",
	AttrContentType:        "content_type",
	AttrLocation:           "location",
	AttrETag:               "etag_header",
	AttrLastModified:       "last_modified_header",
	AttrCookieNames:        "cookie_names",
	AttrWordCount:          "word_count",
	AttrInitialContent:     "initial_content",
	AttrPageTitle:          "page_title",
	AttrFirstHeaderTag:     "first_header_tag",
	AttrLineCount:          "line_count",
	AttrLimitedBodyContent: "limited_body_content",
	AttrOutboundEdgeCount:  "outbound_edge_count",
	AttrContentLocation:    "content_location",
}

func (a Attribute) String() string {
	if name, ok := attributeNames[a]; ok {
		return name
	}
	return "unknown"
}

const (
	initialContentSize = 256
	limitedBodySize    = 4096
)

// Fingerprint maps each attribute to a comparable value
type Fingerprint map[Attribute]int

// ComputeFingerprint measures every attribute of a result
func ComputeFingerprint(result *interfaces.Result) Fingerprint {
	fp := make(Fingerprint, len(AllAttributes))
	if result == nil {
		return fp
	}

	header := result.Header
	if header == nil {
		header = http.Header{}
	}
	body := result.Body

	fp[AttrStatusCode] = result.StatusCode
	fp[AttrContentLength] = len(body)
	fp[AttrContentType] = hashString(header.Get("Content-Type"))
	fp[AttrLocation] = hashString(header.Get("Location"))
	fp[AttrETag] = hashString(header.Get("ETag"))
	fp[AttrLastModified] = hashString(header.Get("Last-Modified"))
	fp[AttrContentLocation] = hashString(header.Get("Content-Location"))
	fp[AttrCookieNames] = hashString(strings.Join(cookieNames(header), ","))
	fp[AttrWordCount] = len(strings.Fields(string(body)))
	fp[AttrLineCount] = bytes.Count(body, []byte("\n")) + 1
	fp[AttrInitialContent] = hashBytes(prefix(body, initialContentSize))
	fp[AttrLimitedBodyContent] = hashBytes(prefix(body, limitedBodySize))

	title, firstHeader, edges := htmlShape(header, body)
	fp[AttrPageTitle] = hashString(title)
	fp[AttrFirstHeaderTag] = hashString(firstHeader)
	fp[AttrOutboundEdgeCount] = edges

	return fp
}

// PageTitle returns the trimmed <title> text of an HTML result
func PageTitle(result *interfaces.Result) string {
	if result == nil {
		return ""
	}
	title, _, _ := htmlShape(result.Header, result.Body)
	return title
}

// htmlShape extracts the title, first heading and outbound link count
func htmlShape(header http.Header, body []byte) (string, string, int) {
	if !looksLikeHTML(header, body) {
		return "", "", 0
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", 0
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	firstHeader := strings.TrimSpace(doc.Find("h1, h2, h3, h4, h5, h6").First().Text())

	edges := 0
	doc.Find("a[href], link[href], area[href], form[action], script[src], iframe[src], img[src]").Each(func(i int, s *goquery.Selection) {
		edges++
	})
	return title, firstHeader, edges
}

func looksLikeHTML(header http.Header, body []byte) bool {
	if len(body) == 0 {
		return false
	}
	if ct := strings.ToLower(header.Get("Content-Type")); ct != "" {
		return strings.Contains(ct, "html") || strings.Contains(ct, "xml")
	}
	return bytes.Contains(bytes.ToLower(prefix(body, 512)), []byte("<html"))
}

func cookieNames(header http.Header) []string {
	resp := http.Response{Header: header}
	cookies := resp.Cookies()
	names := make([]string, 0, len(cookies))
	for _, c := range cookies {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

func prefix(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

func hashString(s string) int {
	if s == "" {
		return 0
	}
	return hashBytes([]byte(s))
}

func hashBytes(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write(b)
	return int(h.Sum32())
}
