// Package compute creates and deletes the virtual machines behind lab sessions.
package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/cloudlabs/internal/services/labs/domain"
)

// ErrNoAddress reports an instance that was created without an external
// address. The returned Instance still identifies the machine so callers can
// delete it.
var ErrNoAddress = errors.New("instance has no external address")

// CreateRequest describes one instance to create from a template.
type CreateRequest struct {
	Name     string
	Template string
	Metadata map[string]string
}

// Instance identifies a created machine and how to reach it.
type Instance struct {
	ID      string
	Name    string
	Address string
}

// Provider creates and deletes lab machines. Create blocks until the machine
// exists. Delete treats a missing machine as success.
type Provider interface {
	Create(ctx context.Context, req CreateRequest) (Instance, error)
	Delete(ctx context.Context, instanceID string) error
}

// Templates maps each OS variant to the instance template that builds it.
type Templates struct {
	Ubuntu     string `env:"UBUNTU" envDefault:"ubuntu-template"`
	RockyLinux string `env:"ROCKY" envDefault:"rocky-linux-template"`
	OpenSUSE   string `env:"OPENSUSE" envDefault:"opensuse-template"`
}

// DefaultTemplates returns the stock template names.
func DefaultTemplates() Templates {
	return Templates{
		Ubuntu:     "ubuntu-template",
		RockyLinux: "rocky-linux-template",
		OpenSUSE:   "opensuse-template",
	}
}

// For returns the template for variant.
func (t Templates) For(variant domain.OSVariant) (string, error) {
	var name string
	switch variant {
	case domain.OSUbuntu:
		name = t.Ubuntu
	case domain.OSRockyLinux:
		name = t.RockyLinux
	case domain.OSOpenSUSE:
		name = t.OpenSUSE
	default:
		return "", fmt.Errorf("no template for os variant %q", variant)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("template for %s is not configured", variant)
	}
	return name, nil
}
