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

package domain

import (
	"embed"
	"fmt"

	"github.com/virtstack/virtstack/pkg/vmspec"
)

//go:embed templates/*.xml
var templatesFS embed.FS

// Template names accepted by Clone.
const (
	TemplateLegacy = "legacy-base"
	TemplateOVMF   = "ovmf-base"
	TemplateTDX    = "tdx-base"
	TemplateSGX    = "sgx-base"
)

// templateByType maps a VM flavor to its descriptor template. Perf
// flavors share the base templates; they differ only in the tuning the
// backend applies afterwards.
var templateByType = map[string]string{
	vmspec.TypeLegacy:     TemplateLegacy,
	vmspec.TypeEFI:        TemplateOVMF,
	vmspec.TypeTD:         TemplateTDX,
	vmspec.TypeSGX:        TemplateSGX,
	vmspec.TypeLegacyPerf: TemplateLegacy,
	vmspec.TypeEFIPerf:    TemplateOVMF,
	vmspec.TypeTDPerf:     TemplateTDX,
}

// TemplateForType returns the template name for a VM flavor.
func TemplateForType(vmType string) (string, error) {
	name, ok := templateByType[vmType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVMType, vmType)
	}
	return name, nil
}

func templateXML(name string) ([]byte, error) {
	data, err := templatesFS.ReadFile("templates/" + name + ".xml")
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return data, nil
}
