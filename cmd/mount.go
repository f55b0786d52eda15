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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neilmix/dibsfs/internal/dibsfs"
	"github.com/neilmix/dibsfs/internal/dibslog"
	"github.com/neilmix/dibsfs/internal/eviction"
)

var mountCmd = &cobra.Command{
	Use:   "mount <backing-dir> <mount-point>",
	Short: "Mount a backing directory at mount-point",
	Args:  cobra.ExactArgs(2),
	RunE:  runMount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	if err := viper.Unmarshal(&mountCfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}

	backing, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolving backing directory: %w", err)
	}
	mountPoint, err := filepath.Abs(args[1])
	if err != nil {
		return fmt.Errorf("resolving mount point: %w", err)
	}
	mountCfg.Backing = backing
	mountCfg.MountPoint = mountPoint

	if err := mountCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := dibslog.New(dibslog.Options{
		FilePath:     mountCfg.LogFile,
		Foreground:   mountCfg.Foreground,
		SessionLabel: mountCfg.SessionLabel,
	})

	clock := timeutil.RealClock()
	fs, err := dibsfs.New(dibsfs.Config{
		Backing:          mountCfg.Backing,
		SessionLabel:     mountCfg.SessionLabel,
		ReadOnlyFallback: mountCfg.ReadOnlyFallback,
		SaveConflicts:    mountCfg.SaveConflicts,
		Clock:            clock,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("constructing file system: %w", err)
	}
	defer fs.Destroy()

	evictLoop := eviction.New(fs.CasTable(), clock, mountCfg.EvictionTTL(), logger)
	evictLoop.Start()
	defer evictLoop.Stop()

	mountCfgFuse := &fuse.MountConfig{
		FSName:     "dibsfs",
		Subtype:    "dibsfs",
		VolumeName: "dibsfs",
	}

	logger.Info("mounting", "backing", mountCfg.Backing, "mount_point", mountCfg.MountPoint)
	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(mountCfg.MountPoint, server, mountCfgFuse)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	registerSignalHandler(mountCfg.MountPoint, logger)

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("serving file system: %w", err)
	}
	return nil
}

// registerSignalHandler arms a background unmount on SIGINT or SIGTERM so
// the Join serve loop unblocks cleanly.
func registerSignalHandler(mountPoint string, logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for sig := range signalChan {
			logger.Info("received signal, attempting to unmount", "signal", sig.String())
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Error("unmount failed", "error", err)
				continue
			}
			logger.Info("unmounted")
			return
		}
	}()
}
