package runtime

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/AjaxZhan/devspace/pkg/types"
)

var digestPin = regexp.MustCompile(`@sha256:[0-9a-f]{64}$`)

// ImagePolicy decides which image a session may run.
type ImagePolicy struct {
	Default        string
	Allowed        []string
	DigestRequired bool
}

// Resolve returns the image to provision for a request. An empty request
// selects the default image.
func (p *ImagePolicy) Resolve(requested string) (string, error) {
	image := requested
	if image == "" {
		image = p.Default
	}
	if image == "" {
		return "", fmt.Errorf("%w: no image configured", types.ErrImageNotAllowed)
	}
	if !slices.Contains(p.Allowed, image) {
		return "", fmt.Errorf("%w: %s", types.ErrImageNotAllowed, image)
	}
	if p.DigestRequired && !digestPin.MatchString(image) {
		return "", fmt.Errorf("%w: %s", types.ErrDigestRequired, image)
	}
	return image, nil
}
