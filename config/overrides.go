// Package config loads procedure descriptor overrides from a JSON file and
// keeps them in sync with the file on disk.
//
// The file maps "EntityType.Procedure" to the descriptor fields to replace:
//
//	{
//	  "Player.Move":  {"mode": "UnreliableOrdered", "channel": 2},
//	  "Player.Admin": {"access": "AuthorityOnly"}
//	}
//
// Fields left out keep the value the procedure was registered with.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Joy-less/RemSend-sub000/access"
	"github.com/Joy-less/RemSend-sub000/procedure"
	"github.com/Joy-less/RemSend-sub000/transport"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/multierr"
)

var ErrInvalidKey = errors.New("config: override key must be EntityType.Procedure")

// Override replaces selected fields of a procedure descriptor.
type Override struct {
	Access    *access.Level   `json:"access,omitempty"`
	CallLocal *bool           `json:"call_local,omitempty"`
	Mode      *transport.Mode `json:"mode,omitempty"`
	Channel   *int            `json:"channel,omitempty"`
}

// Apply returns d with the fields set in o replaced.
func (o Override) Apply(d procedure.Descriptor) procedure.Descriptor {
	if o.Access != nil {
		d.Access = *o.Access
	}
	if o.CallLocal != nil {
		d.CallLocal = *o.CallLocal
	}
	if o.Mode != nil {
		d.Mode = *o.Mode
	}
	if o.Channel != nil {
		d.Channel = *o.Channel
	}
	return d
}

// Overrides is keyed by "EntityType.Procedure".
type Overrides map[string]Override

// DefaultPath is ~/.remsend/overrides.json.
func DefaultPath() (string, error) {
	return homedir.Expand(filepath.Join("~", ".remsend", "overrides.json"))
}

// LoadOverrides reads and validates an overrides file. A leading ~ in path is
// expanded to the user's home directory.
func LoadOverrides(path string) (Overrides, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseOverrides(data)
}

func ParseOverrides(data []byte) (Overrides, error) {
	var o Overrides
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	for key, ov := range o {
		if _, _, err := splitKey(key); err != nil {
			return nil, err
		}
		if ov.Channel != nil {
			if err := transport.CheckChannel(*ov.Channel); err != nil {
				return nil, fmt.Errorf("config: %s: %w", key, err)
			}
		}
	}
	return o, nil
}

func splitKey(key string) (entityType, name string, err error) {
	i := strings.LastIndex(key, ".")
	if i <= 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return key[:i], key[i+1:], nil
}

// Apply reconfigures every procedure named in o. Unknown procedures are
// reported but do not stop the others from being applied.
func (o Overrides) Apply(t *procedure.Table) error {
	keys := make([]string, 0, len(o))
	for key := range o {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var errs error
	for _, key := range keys {
		entityType, name, err := splitKey(key)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		p, err := t.Lookup(entityType, name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := t.Configure(entityType, name, o[key].Apply(p.Descriptor)); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
