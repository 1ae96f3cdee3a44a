// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package klogcontrol

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	cfgapi "github.com/containers/memgov/pkg/apis/config/v1alpha1/log/klogcontrol"
	"k8s.io/klog/v2"
)

// Control implements runtime control for klog.
type Control struct {
	*flag.FlagSet
}

// envPrefix prefixes environment variables which seed klog flags.
const envPrefix = "LOGGER_"

var ctl = &Control{FlagSet: flag.NewFlagSet("klog flags", flag.ContinueOnError)}

// Get returns the klog Control instance.
func Get() *Control {
	return ctl
}

// Configure klog according to the given configuration. Flags without
// a configured value are left untouched.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs []error
	c.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			return
		}
		if err := c.Set(f.Name, value); err != nil {
			errs = append(errs, klogError("failed to set flag %s to %q: %w", f.Name, value, err))
		}
	})
	return errors.Join(errs...)
}

// SetVerbosity sets the klog verbosity level.
func (c *Control) SetVerbosity(v int) error {
	if err := c.Set("v", fmt.Sprintf("%d", v)); err != nil {
		return klogError("failed to set verbosity %d: %w", v, err)
	}
	return nil
}

// Value returns the current value of the given klog flag.
func (c *Control) Value(name string) (string, bool) {
	f := c.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

func envForFlag(name string) (string, string, bool) {
	env := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	value, ok := os.LookupEnv(env)
	return env, value, ok
}

func klogError(format string, args ...interface{}) error {
	return fmt.Errorf("klogcontrol: "+format, args...)
}

func init() {
	ctl.SetOutput(io.Discard)
	klog.InitFlags(ctl.FlagSet)

	journald := os.Getenv("JOURNAL_STREAM") != ""
	ctl.VisitAll(func(f *flag.Flag) {
		env, value, ok := envForFlag(f.Name)
		switch {
		case ok:
			if err := ctl.Set(f.Name, value); err != nil {
				klog.Errorf("klog flag %q: invalid value %s=%q: %v", f.Name, env, value, err)
			}
		case f.Name == "skip_headers" && journald:
			// journald timestamps messages itself
			_ = ctl.Set(f.Name, "true")
		}
	})
}
