package catalogue

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// overlayFile models the structure of the optional agents overlay YAML file.
type overlayFile struct {
	Agents []Definition `yaml:"agents"`
}

// LoadOverlay 从 YAML 文件加载补充的智能体定义并合并进目录。
// 同 ID 的定义覆盖内置条目；路径为空时直接返回。
func (c *Catalogue) LoadOverlay(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取智能体配置失败: %w", err)
	}

	var overlay overlayFile
	if err := yaml.Unmarshal(content, &overlay); err != nil {
		return fmt.Errorf("解析智能体配置失败: %w", err)
	}

	for _, def := range overlay.Agents {
		if strings.TrimSpace(def.ID) == "" {
			continue
		}
		c.Register(def)
	}
	return nil
}
