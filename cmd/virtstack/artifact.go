// Copyright 2026 The virtstack Authors
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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/virtstack/virtstack/pkg/artifacts"
)

var (
	flagManifest string
	flagDestDir  string
	flagCacheDir string
)

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Resolve artifacts from a manifest",
}

var artifactGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Fetch one artifact and print its local path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manifest, err := artifacts.LoadManifest(flagManifest)
		if err != nil {
			return err
		}
		artifact, err := manifest.Get(args[0])
		if err != nil {
			return err
		}
		if err := os.MkdirAll(flagCacheDir, 0o755); err != nil {
			return err
		}
		if err := os.MkdirAll(flagDestDir, 0o755); err != nil {
			return err
		}
		path, err := artifact.Get(flagDestDir, flagCacheDir)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var artifactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifact names in the manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		manifest, err := artifacts.LoadManifest(flagManifest)
		if err != nil {
			return err
		}
		for _, name := range manifest.Names() {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	artifactCmd.PersistentFlags().StringVar(&flagManifest, "manifest", "artifacts.yaml",
		"path to the artifact manifest")
	artifactCmd.PersistentFlags().StringVar(&flagDestDir, "dest-dir", ".",
		"destination directory for resolved artifacts")
	artifactCmd.PersistentFlags().StringVar(&flagCacheDir, "cache-dir",
		os.TempDir(), "download cache directory")

	artifactCmd.AddCommand(artifactGetCmd)
	artifactCmd.AddCommand(artifactListCmd)
}
