package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GraphFile: workflow или версия, описанные в YAML или JSON файле.
//
//	name: Welcome
//	nodes:
//	  - id: trigger
//	    type: manual_trigger
//	  - id: greet
//	    type: output
//	    data:
//	      config:
//	        value: "Hello {{trigger.name}}"
//	edges:
//	  - source: trigger
//	    target: greet
type GraphFile struct {
	Name        string           `yaml:"name" json:"name,omitempty"`
	Description string           `yaml:"description" json:"description,omitempty"`
	Nodes       []map[string]any `yaml:"nodes" json:"nodes,omitempty"`
	Edges       []map[string]any `yaml:"edges" json:"edges,omitempty"`
	Variables   map[string]any   `yaml:"variables" json:"variables,omitempty"`
	Settings    map[string]any   `yaml:"settings" json:"settings,omitempty"`
	CreatedBy   string           `yaml:"created_by" json:"created_by,omitempty"`
}

// graphOnly: тело запроса для новой версии.
func (g *GraphFile) graphOnly() *GraphFile {
	return &GraphFile{
		Nodes:     g.Nodes,
		Edges:     g.Edges,
		Variables: g.Variables,
		Settings:  g.Settings,
		CreatedBy: g.CreatedBy,
	}
}

// LoadGraphFile читает граф из файла. JSON разбирается тем же
// парсером: он является подмножеством YAML.
func LoadGraphFile(path string) (*GraphFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return ParseGraph(data)
}

// ParseGraph разбирает YAML или JSON.
func ParseGraph(data []byte) (*GraphFile, error) {
	var g GraphFile
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("invalid graph file: %w", err)
	}
	for i, n := range g.Nodes {
		if _, ok := n["id"].(string); !ok {
			return nil, fmt.Errorf("invalid graph file: node %d has no id", i)
		}
		if _, ok := n["type"].(string); !ok {
			return nil, fmt.Errorf("invalid graph file: node %d has no type", i)
		}
	}
	// yaml.v3 может вернуть map[any]any для ключей-не-строк;
	// проверяем, что результат сериализуется в JSON.
	if _, err := json.Marshal(&g); err != nil {
		return nil, fmt.Errorf("invalid graph file: %w", err)
	}
	return &g, nil
}

// ParseData разбирает trigger payload из строки или файла (@path).
func ParseData(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	data := []byte(s)
	if s[0] == '@' {
		var err error
		data, err = os.ReadFile(s[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read data file: %w", err)
		}
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	return m, nil
}
