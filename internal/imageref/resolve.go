package imageref

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// DigestResolver pins an image's tag to the digest it currently names.
type DigestResolver interface {
	Resolve(ctx context.Context, img Image, auth authn.Authenticator) (string, error)
}

// RemoteResolver asks the registry with a manifest HEAD request.
type RemoteResolver struct {
	Insecure bool
	Options  []remote.Option
}

func (r RemoteResolver) Resolve(ctx context.Context, img Image, auth authn.Authenticator) (string, error) {
	if img.Digest != "" {
		return img.Digest, nil
	}
	tag := img.Tag
	if tag == "" {
		tag = name.DefaultTag
	}
	var nameOpts []name.Option
	if r.Insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}
	ref, err := name.NewTag(img.Registry+"/"+img.Repository+":"+tag, nameOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: invalid image reference %q: %v", errdefs.ErrInvalidArgument, img.Original, err)
	}
	if auth == nil {
		auth = authn.Anonymous
	}

	opts := append([]remote.Option{remote.WithContext(ctx), remote.WithAuth(auth)}, r.Options...)
	desc, err := remote.Head(ref, opts...)
	if err != nil {
		return "", classifyRegistryError(img, err)
	}
	digest := desc.Digest.String()
	if !IsDigest(digest) {
		return "", fmt.Errorf("%w: registry returned unsupported digest %q for %q", errdefs.ErrInvalidArgument, digest, img.Original)
	}
	return digest, nil
}

func classifyRegistryError(img Image, err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: cannot resolve image %q: %v", errdefs.ErrInvalidArgument, img.Original, err)
		}
	}
	return fmt.Errorf("%w: resolve image %q: %v", errdefs.ErrUnavailable, img.Original, err)
}
