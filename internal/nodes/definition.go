package nodes

// Категории каталога узлов.
const (
	CategoryTriggers     = "triggers"
	CategoryData         = "data"
	CategoryIntegrations = "integrations"
	CategoryFlow         = "flow"
	CategoryCode         = "code"
)

// Definition: описание типа узла для каталога редактора.
type Definition struct {
	// Type: ключ в реестре, совпадает с Node.Type.
	Type string `json:"type"`

	Label       string `json:"label"`
	Description string `json:"description"`
	Category    string `json:"category"`

	// IsTrigger: узел порождает run. Признак задаётся явно,
	// по имени типа он не определяется.
	IsTrigger bool `json:"is_trigger"`

	// Fields: поля config для формы редактора.
	Fields []ConfigField `json:"fields,omitempty"`

	// ExamplePayload: пример данных триггера (только для IsTrigger).
	ExamplePayload map[string]any `json:"example_payload,omitempty"`
}

// ConfigField: поле config.
type ConfigField struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, boolean, object, array, code, cron
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Category: группа каталога.
type Category struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}
