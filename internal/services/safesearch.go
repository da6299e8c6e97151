package services

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

// SafeSearchResult holds the Vision likelihoods for one image.
type SafeSearchResult struct {
	Adult    string
	Violence string
	Racy     string
	Spoof    string
}

func isLikelyOrHigher(l string) bool {
	return l == "LIKELY" || l == "VERY_LIKELY"
}

// Unsafe reports content that breaks community guidelines.
func (r *SafeSearchResult) Unsafe() bool {
	return isLikelyOrHigher(r.Adult) || isLikelyOrHigher(r.Violence) || isLikelyOrHigher(r.Racy)
}

// Spoofed reports images that look doctored or lifted from elsewhere.
func (r *SafeSearchResult) Spoofed() bool {
	return isLikelyOrHigher(r.Spoof)
}

// Reasons lists the categories that tripped.
func (r *SafeSearchResult) Reasons() []string {
	var out []string
	for _, c := range []struct{ name, level string }{
		{"adult", r.Adult}, {"violence", r.Violence}, {"racy", r.Racy}, {"spoof", r.Spoof},
	} {
		if isLikelyOrHigher(c.level) {
			out = append(out, c.name+"="+strings.ToLower(c.level))
		}
	}
	return out
}

// PhotoScreener inspects a stored profile photo.
type PhotoScreener interface {
	Screen(ctx context.Context, gcsURI string) (*SafeSearchResult, error)
}

// VisionScreener runs Vision SAFE_SEARCH_DETECTION. The service is built once.
type VisionScreener struct {
	svc *vision.Service
}

// NewVisionScreener uses Application Default Credentials unless
// credentialsJSON is given.
func NewVisionScreener(ctx context.Context, credentialsJSON string) (*VisionScreener, error) {
	opts := []option.ClientOption{option.WithScopes(vision.CloudPlatformScope)}
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	svc, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision: new service: %w", err)
	}
	return &VisionScreener{svc: svc}, nil
}

func (v *VisionScreener) Screen(ctx context.Context, gcsURI string) (*SafeSearchResult, error) {
	req := &vision.AnnotateImageRequest{
		Image: &vision.Image{
			Source: &vision.ImageSource{GcsImageUri: gcsURI},
		},
		Features: []*vision.Feature{
			{Type: "SAFE_SEARCH_DETECTION"},
		},
	}
	resp, err := v.svc.Images.Annotate(&vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{req},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("vision: annotate: %w", err)
	}
	if len(resp.Responses) == 0 || resp.Responses[0].SafeSearchAnnotation == nil {
		return &SafeSearchResult{}, nil
	}
	ss := resp.Responses[0].SafeSearchAnnotation
	return &SafeSearchResult{
		Adult:    ss.Adult,
		Violence: ss.Violence,
		Racy:     ss.Racy,
		Spoof:    ss.Spoof,
	}, nil
}
