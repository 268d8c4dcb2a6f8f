// internal/config/presets.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StylePreset 单个候选版本的写作风格
type StylePreset struct {
	Name        string  `yaml:"name" json:"name"`
	Temperature float32 `yaml:"temperature" json:"temperature"`
	Instruction string  `yaml:"instruction" json:"instruction"`
}

type presetFile struct {
	Presets []StylePreset `yaml:"presets"`
}

// DefaultStylePresets 内置的风格组合，温度互不相同
func DefaultStylePresets() []StylePreset {
	return []StylePreset{
		{
			Name:        "faithful",
			Temperature: 0.7,
			Instruction: "Follow the outline closely. Keep pacing steady and prose clear.",
		},
		{
			Name:        "vivid",
			Temperature: 0.85,
			Instruction: "Lean into sensory detail and interior emotion while keeping every outline beat.",
		},
		{
			Name:        "bold",
			Temperature: 1.0,
			Instruction: "Take structural risks: reorder scenes or shift focus if it sharpens the chapter's conflict.",
		},
	}
}

// LoadStylePresets 从 YAML 文件加载风格预设，path 为空时返回内置预设
func LoadStylePresets(path string) ([]StylePreset, error) {
	if path == "" {
		return DefaultStylePresets(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read style presets: %w", err)
	}

	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse style presets %s: %w", path, err)
	}
	if len(f.Presets) == 0 {
		return nil, fmt.Errorf("style presets %s: no presets defined", path)
	}

	seen := make(map[string]bool, len(f.Presets))
	for i, p := range f.Presets {
		if p.Name == "" {
			return nil, fmt.Errorf("style presets %s: preset %d has no name", path, i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("style presets %s: duplicate preset %q", path, p.Name)
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			return nil, fmt.Errorf("style presets %s: preset %q temperature %.2f out of range", path, p.Name, p.Temperature)
		}
		seen[p.Name] = true
	}
	return f.Presets, nil
}

// PresetForSlot 按槽位循环取预设，候选数多于预设时复用
func PresetForSlot(presets []StylePreset, slot int) StylePreset {
	if len(presets) == 0 {
		return DefaultStylePresets()[slot%3]
	}
	return presets[slot%len(presets)]
}
