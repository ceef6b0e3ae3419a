package registry

import (
	"fmt"
	"sync"

	"chatgate/internal/providers"
	"chatgate/internal/providers/anthropic_messages"
	"chatgate/internal/providers/generic"
	"chatgate/internal/providers/openai_compat"
)

// Table maps provider families to their codec. Families without an entry use
// the fallback codec.
type Table struct {
	mu       sync.RWMutex
	codecs   map[providers.Family]providers.Codec
	fallback providers.Codec
}

func NewTable() *Table {
	t := &Table{
		codecs:   map[providers.Family]providers.Codec{},
		fallback: generic.Codec(),
	}
	t.codecs[providers.FamilyOpenAI] = openai_compat.Codec()
	t.codecs[providers.FamilyAnthropic] = anthropic_messages.Codec()
	t.codecs[providers.FamilyLocal] = generic.Codec()
	t.codecs[providers.FamilyGeneric] = generic.Codec()
	return t
}

func (t *Table) Register(family providers.Family, codec providers.Codec) error {
	if family == "" {
		return fmt.Errorf("family is empty")
	}
	if codec.Build == nil || codec.Parse == nil {
		return fmt.Errorf("codec for %q must define build and parse", family)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.codecs[family] = codec
	return nil
}

func (t *Table) Lookup(family providers.Family) providers.Codec {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.codecs[family]; ok {
		return c
	}
	return t.fallback
}

func (t *Table) Build(cfg providers.Config, messages []providers.Message) (providers.WireRequest, error) {
	return t.Lookup(cfg.Family).Build(cfg, messages)
}

func (t *Table) Parse(family providers.Family, body []byte) (string, error) {
	return t.Lookup(family).Parse(body)
}
