// Package catalog предоставляет доступ к статическому каталогу товаров.
// Каталог — внешние справочные данные: сервис их только читает.
package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Product описывает позицию каталога. Rate — цена за единицу
// в минимальных единицах валюты.
type Product struct {
	ID   string
	Name string
	Rate int64
}

// Catalog хранит товары с доступом по идентификатору.
type Catalog struct {
	products map[string]Product
	order    []string
}

type productJSON struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Rate float64 `json:"rate"`
}

// Load читает каталог из JSON-файла. Цены в файле указаны в основных
// единицах валюты и переводятся в минимальные.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse разбирает содержимое каталога.
func Parse(data []byte) (*Catalog, error) {
	var raw []productJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{products: make(map[string]Product, len(raw))}
	for _, p := range raw {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog product without id")
		}
		if p.Rate <= 0 {
			return nil, fmt.Errorf("catalog product %s: non-positive rate", p.ID)
		}
		if _, exists := c.products[p.ID]; exists {
			return nil, fmt.Errorf("catalog product %s: duplicate id", p.ID)
		}
		c.products[p.ID] = Product{
			ID:   p.ID,
			Name: p.Name,
			Rate: int64(math.Round(p.Rate * 100)),
		}
		c.order = append(c.order, p.ID)
	}

	return c, nil
}

// Get возвращает товар по идентификатору.
func (c *Catalog) Get(id string) (Product, bool) {
	p, ok := c.products[id]
	return p, ok
}

// Products возвращает товары в порядке следования в файле каталога.
func (c *Catalog) Products() []Product {
	res := make([]Product, 0, len(c.order))
	for _, id := range c.order {
		res = append(res, c.products[id])
	}
	return res
}
