package domain

import (
	"time"

	"github.com/google/uuid"
)

// Version: неизменяемый снимок графа workflow.
//
// Версии нумеруются 1, 2, 3... в рамках workflow.
// После создания меняется только флаг публикации.
type Version struct {
	// ID: уникальный идентификатор версии.
	ID uuid.UUID `json:"id"`

	// WorkflowID: ссылка на родительский workflow.
	WorkflowID uuid.UUID `json:"workflow_id"`

	// VersionNumber: порядковый номер версии.
	VersionNumber int `json:"version_number"`

	// Nodes: узлы в порядке, заданном редактором.
	Nodes []Node `json:"nodes"`

	// Edges: направленные рёбра source → target.
	Edges []Edge `json:"edges"`

	// Variables: переменные workflow (произвольные данные редактора).
	Variables map[string]any `json:"variables,omitempty"`

	// Settings: настройки исполнения.
	Settings Settings `json:"settings"`

	// IsPublished: опубликована ли версия.
	IsPublished bool `json:"is_published"`

	// PublishedAt: момент публикации.
	PublishedAt *time.Time `json:"published_at,omitempty"`

	// CreatedBy: автор версии.
	CreatedBy string `json:"created_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Graph возвращает граф версии.
func (v *Version) Graph() Graph {
	return Graph{Nodes: v.Nodes, Edges: v.Edges}
}

// VersionSummary: версия без графа, для списков.
type VersionSummary struct {
	ID            uuid.UUID  `json:"id"`
	VersionNumber int        `json:"version_number"`
	IsPublished   bool       `json:"is_published"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	CreatedBy     string     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Graph: узлы и рёбра.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node возвращает узел по ID.
func (g Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Node: узел графа.
type Node struct {
	// ID: идентификатор, уникальный в рамках версии.
	// Используется как ключ результата в контексте run.
	ID string `json:"id"`

	// Type: ключ в реестре обработчиков.
	Type string `json:"type"`

	// Data: метка и конфигурация.
	Data NodeData `json:"data"`

	// Position: координаты в редакторе, движком не используются.
	Position map[string]any `json:"position,omitempty"`
}

// Label возвращает метку узла или его ID.
func (n Node) Label() string {
	if n.Data.Label != "" {
		return n.Data.Label
	}
	return n.ID
}

// NodeData: содержимое узла.
type NodeData struct {
	Label string `json:"label,omitempty"`

	// Config: значения конфигурации: литералы или строки с выражениями
	// вида "{{ trigger.email }}", "{{ node_1.body.id }}".
	Config map[string]any `json:"config,omitempty"`
}

// Edge: ребро графа.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Settings: настройки исполнения версии.
type Settings struct {
	// Retry: политика повторов для каждого узла.
	// Nil означает одну попытку.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// NodeTimeoutSec: таймаут одного вызова обработчика.
	NodeTimeoutSec int `json:"node_timeout_sec,omitempty"`
}

// RetryPolicy: политика повторных попыток.
type RetryPolicy struct {
	// MaxAttempts: максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Backoff: стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty"`

	// InitialDelayMs: начальная задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty"`

	// MaxDelayMs: максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty"`
}
