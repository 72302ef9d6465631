package auth

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Credentials maps device ids to their shared secrets.
type Credentials map[string]string

// ParseList parses "device=secret" pairs separated by commas. Blank
// entries are ignored.
func ParseList(raw string) (Credentials, error) {
	creds := Credentials{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		device, secret, ok := strings.Cut(part, "=")
		device = strings.TrimSpace(device)
		secret = strings.TrimSpace(secret)
		if !ok || device == "" || secret == "" {
			return nil, fmt.Errorf("malformed device credential %q", part)
		}
		creds[device] = secret
	}
	return creds, nil
}

type credentialsFile struct {
	Devices []struct {
		DeviceID string `yaml:"device_id"`
		Secret   string `yaml:"secret"`
	} `yaml:"devices"`
}

// LoadFile reads a YAML credential file of the form:
//
//	devices:
//	  - device_id: pump-1
//	    secret: s3cret
func LoadFile(path string) (Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var f credentialsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	creds := make(Credentials, len(f.Devices))
	for i, d := range f.Devices {
		if d.DeviceID == "" || d.Secret == "" {
			return nil, fmt.Errorf("credentials file entry %d: device_id and secret are required", i)
		}
		creds[d.DeviceID] = d.Secret
	}
	return creds, nil
}

// Merge combines sources; later sources win for the same device.
func Merge(sources ...Credentials) Credentials {
	out := Credentials{}
	for _, src := range sources {
		for device, secret := range src {
			out[device] = secret
		}
	}
	return out
}

func (c Credentials) clone() Credentials {
	return Merge(c)
}
