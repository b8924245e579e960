package ranges

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// apiShape is the tagged variant for recognised range-API response formats.
type apiShape int

const (
	shapeCloudflare apiShape = iota
	shapeCloudFront
)

// resolveShape dispatches a range API URL to its response shape.
func resolveShape(url string) (apiShape, error) {
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, "cloudflare"):
		return shapeCloudflare, nil
	case strings.Contains(lower, "cloudfront"), strings.Contains(lower, "amazonaws"):
		return shapeCloudFront, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedProvider, "url %s", url)
}

type cloudflareResponse struct {
	Success bool `json:"success"`
	Result  struct {
		IPv4CIDRs []string `json:"ipv4_cidrs"`
		IPv6CIDRs []string `json:"ipv6_cidrs"`
	} `json:"result"`
}

type cloudfrontResponse struct {
	Prefixes []struct {
		IPPrefix   string `json:"ip_prefix"`
		IPv6Prefix string `json:"ipv6_prefix"`
		Region     string `json:"region"`
		Service    string `json:"service"`
	} `json:"prefixes"`
}

// parse extracts the CIDR list from a response body for this shape.
func (s apiShape) parse(body []byte) ([]string, error) {
	switch s {
	case shapeCloudflare:
		var resp cloudflareResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, errors.Wrap(err, "decode cloudflare response")
		}
		if !resp.Success {
			return nil, errors.New("cloudflare api reported failure")
		}
		return append(append([]string{}, resp.Result.IPv4CIDRs...), resp.Result.IPv6CIDRs...), nil
	case shapeCloudFront:
		var resp cloudfrontResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, errors.Wrap(err, "decode cloudfront response")
		}
		var cidrs []string
		for _, p := range resp.Prefixes {
			if p.Region != "GLOBAL" || p.Service != "CLOUDFRONT" {
				continue
			}
			if p.IPPrefix != "" {
				cidrs = append(cidrs, p.IPPrefix)
			}
			if p.IPv6Prefix != "" {
				cidrs = append(cidrs, p.IPv6Prefix)
			}
		}
		return cidrs, nil
	}
	return nil, ErrUnsupportedProvider
}
