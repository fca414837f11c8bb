package reward

import (
	_ "embed"
	"fmt"
	"os"

	"auction_engine/internal/model"

	"github.com/pelletier/go-toml/v2"
)

//go:embed achievements.toml
var defaultCatalog []byte

type catalogFile struct {
	Achievements []model.Achievement `toml:"achievement"`
}

// Catalog 只读的成就列表，启动时加载一次。
type Catalog struct {
	list []model.Achievement
	byID map[string]model.Achievement
}

// LoadCatalog 读取 path，为空时使用内嵌的默认配置。
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultCatalog)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read achievement catalog: %w", err)
	}
	return ParseCatalog(b)
}

func ParseCatalog(b []byte) (*Catalog, error) {
	var f catalogFile
	if err := toml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse achievement catalog: %w", err)
	}
	return NewCatalog(f.Achievements)
}

func NewCatalog(list []model.Achievement) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]model.Achievement, len(list))}
	for _, a := range list {
		if a.Condition.Timeframe == "" {
			a.Condition.Timeframe = model.TimeframeAllTime
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate achievement id %q", a.ID)
		}
		c.byID[a.ID] = a
		c.list = append(c.list, a)
	}
	return c, nil
}

// All 按声明顺序返回全部成就。
func (c *Catalog) All() []model.Achievement {
	out := make([]model.Achievement, len(c.list))
	copy(out, c.list)
	return out
}

func (c *Catalog) Get(id string) (model.Achievement, bool) {
	a, ok := c.byID[id]
	return a, ok
}

func (c *Catalog) Len() int { return len(c.list) }
