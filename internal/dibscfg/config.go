// Copyright 2025 The dibsfs Authors. All Rights Reserved.
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

// Package dibscfg defines the mount configuration and its flag/viper
// binding, following the same BindFlags-into-viper pattern used elsewhere
// in this codebase's command layer.
package dibscfg

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

// Config holds the mount parameters.
type Config struct {
	// Backing is the real directory the filesystem mirrors. Required;
	// must exist and be a directory.
	Backing string `mapstructure:"backing"`

	// MountPoint is where the filesystem is mounted. Required.
	MountPoint string `mapstructure:"mount-point"`

	// SessionLabel is a textual label attached to log output, distinct
	// from the OS-level session id used for OCC identity.
	SessionLabel string `mapstructure:"session-label"`

	// EvictionTTLMinutes is the idle age, in minutes, after which CAS
	// entries are evicted.
	EvictionTTLMinutes uint64 `mapstructure:"eviction-minutes"`

	// SaveConflicts enables best-effort persistence of rejected writes to
	// the conflict store.
	SaveConflicts bool `mapstructure:"save-conflicts"`

	// ReadOnlyFallback reports CAS and write-ownership conflicts as EROFS
	// instead of EIO when set.
	ReadOnlyFallback bool `mapstructure:"readonly-fallback"`

	// Foreground also streams logs to stderr. The mount process runs in
	// the foreground whether or not it is set; it never daemonizes.
	Foreground bool `mapstructure:"foreground"`

	// LogFile is the path logs are written to. Empty means stderr only.
	LogFile string `mapstructure:"log-file"`
}

// EvictionTTL returns EvictionTTLMinutes as a time.Duration.
func (c *Config) EvictionTTL() time.Duration {
	return time.Duration(c.EvictionTTLMinutes) * time.Minute
}

// BindFlags declares this configuration's flags on fs, mirroring the
// convention of one pflag per field used across the command layer, bound by the
// caller into viper.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("session-label", "", "Session label attached to log output")
	fs.Uint64("eviction-minutes", 60, "Minutes before evicting idle CAS entries")
	fs.Bool("save-conflicts", false, "Save rejected write contents to the conflict store")
	fs.Bool("readonly-fallback", false, "Report CAS conflicts as EROFS instead of EIO")
	fs.BoolP("foreground", "f", false, "Also stream logs to stderr")
	fs.String("log-file", "/tmp/dibsfs.log", "Log file path")
}

// Validate checks the required fields and directory preconditions, and
// fills in a generated SessionLabel if none was configured.
func (c *Config) Validate() error {
	if c.Backing == "" {
		return fmt.Errorf("backing directory is required")
	}
	info, err := os.Stat(c.Backing)
	if err != nil {
		return fmt.Errorf("backing directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("backing directory %q is not a directory", c.Backing)
	}

	if c.MountPoint == "" {
		return fmt.Errorf("mount point is required")
	}

	if c.SessionLabel == "" {
		c.SessionLabel = uuid.NewString()
	}

	return nil
}
