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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neilmix/dibsfs/internal/dibscfg"
)

var (
	cfgFile  string
	mountCfg dibscfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "dibsfs",
	Short: "Mount a directory with optimistic-concurrency-control write protection",
	Long: `dibsfs is a FUSE adapter that mirrors a real directory, tracking a
content digest per file so that concurrent editors are warned instead of
silently clobbered. See .dibs/status and .dibs/locks under any mount for
live state.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	dibscfg.BindFlags(mountCmd.Flags())
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintln(os.Stderr, "reading config file:", err)
			os.Exit(1)
		}
	}
	viper.SetEnvPrefix("DIBS")
	viper.AutomaticEnv()
}
