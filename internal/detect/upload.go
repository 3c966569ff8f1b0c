package detect

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	filenameRe      = regexp.MustCompile(`filename="([^"]+)"`)
	forbiddenExtRe  = regexp.MustCompile(`\.(php\d?|phtml|phar|inc|jsp|asp|aspx|exe|sh|pl|py|cgi|dll|bat|cmd|jar|war)$`)
	doubleExtRe     = regexp.MustCompile(`\.(php\d?|phtml|jsp|asp|exe|sh)\.`)
	executableExtRe = regexp.MustCompile(`\.(php|jsp|exe|sh)`)
	contentTypeRe   = regexp.MustCompile(`content-type:\s*([^\s;]+)`)
	contentLenRe    = regexp.MustCompile(`content-length:\s*(\d+)`)
	base64BlobRe    = regexp.MustCompile(`base64,[a-z0-9+/=]{200,}`)
)

// UploadDetector flags multipart uploads carrying executable or disguised
// files, and declared bodies above the size limit. Endpoint and base64
// evidence only count alongside a filename or payload indicator.
type UploadDetector struct {
	maxLen    int64
	endpoints []string
}

func NewUploadDetector(cfg UploadConfig) *UploadDetector {
	eps := make([]string, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		eps = append(eps, strings.ToLower(e))
	}
	return &UploadDetector{maxLen: cfg.MaxContentLength, endpoints: eps}
}

func (d *UploadDetector) Name() string { return "upload" }

func (d *UploadDetector) Detect(_ context.Context, in Input) (Result, error) {
	text := in.Normalized
	var indicators []string

	filename := ""
	if m := filenameRe.FindStringSubmatch(text); m != nil {
		filename = m[1]
		if forbiddenExtRe.MatchString(filename) {
			indicators = append(indicators, "forbidden_extension:"+filename)
		}
		if doubleExtRe.MatchString(filename) {
			indicators = append(indicators, "double_extension:"+filename)
		}
		if strings.ContainsRune(filename, 0) || strings.Contains(filename, "%00") || strings.Contains(filename, `\x00`) {
			indicators = append(indicators, "null_byte_in_filename")
		}
		if ct := contentTypeRe.FindStringSubmatch(text); ct != nil &&
			strings.HasPrefix(ct[1], "image/") && executableExtRe.MatchString(filename) {
			indicators = append(indicators, "content_type_mismatch")
		}
	}
	if cl := contentLenRe.FindStringSubmatch(text); cl != nil {
		if n, err := strconv.ParseInt(cl[1], 10, 64); err == nil && n > d.maxLen {
			indicators = append(indicators, fmt.Sprintf("large_upload:%dbytes", n))
		}
	}
	if len(indicators) == 0 {
		return NoMatch, nil
	}

	evidence := make([]string, 0, len(indicators)+2)
	endpoint := ""
	for _, e := range d.endpoints {
		if len(e) > len(endpoint) && strings.Contains(text, e) {
			endpoint = e
		}
	}
	if endpoint != "" {
		evidence = append(evidence, "upload_endpoint:"+endpoint)
	}
	evidence = append(evidence, indicators...)
	if base64BlobRe.MatchString(text) {
		evidence = append(evidence, "base64_payload_detected")
	}
	return match(d.Name(), AttackUpload, evidence), nil
}
