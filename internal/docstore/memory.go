package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
)

// MemoryStore はプロセス内のドキュメントストア実装。
// テストおよびDOCSTORE_DRIVER=memoryでの単一プロセス起動に使用する。
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]map[string][]byte
	watchers map[string]map[chan struct{}]struct{}
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]map[string][]byte),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

// Get は指定ドキュメントを取得する。
func (m *MemoryStore) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.docs[collection][id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return Snapshot{ID: id, Data: slices.Clone(data)}, nil
}

// Set はドキュメントを上書きする。
func (m *MemoryStore) Set(ctx context.Context, collection, id string, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	m.mu.Lock()
	m.put(collection, id, data)
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

// Create はドキュメントが存在しない場合のみ作成する。
func (m *MemoryStore) Create(ctx context.Context, collection, id string, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.docs[collection][id]; exists {
		m.mu.Unlock()
		return ErrAlreadyExists
	}
	m.put(collection, id, data)
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

// Merge は指定フィールドだけを置き換える。
func (m *MemoryStore) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	patch, err := encodeFields(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	doc, err := m.decodeLocked(collection, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	maps.Copy(doc, patch)
	err = m.encodeLocked(collection, id, doc)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.notify(collection)
	return nil
}

// AddToSet は配列フィールドへ値を追加する。判定と追加は同じロック内で行う。
func (m *MemoryStore) AddToSet(ctx context.Context, collection, id, field, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	doc, err := m.decodeLocked(collection, id)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	var values []string
	if raw, ok := doc[field]; ok {
		// 配列でない値は空集合として扱い、上書きする
		_ = json.Unmarshal(raw, &values)
	}
	if slices.Contains(values, value) {
		m.mu.Unlock()
		return false, nil
	}
	encoded, err := json.Marshal(append(values, value))
	if err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("failed to encode %s: %w", field, err)
	}
	doc[field] = encoded
	err = m.encodeLocked(collection, id, doc)
	m.mu.Unlock()
	if err != nil {
		return false, err
	}

	m.notify(collection)
	return true, nil
}

// Delete はドキュメントを削除する。
func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	_, existed := m.docs[collection][id]
	delete(m.docs[collection], id)
	m.mu.Unlock()

	if existed {
		m.notify(collection)
	}
	return nil
}

// Query は包含条件に一致するドキュメントを返す。
func (m *MemoryStore) Query(ctx context.Context, collection string, cond Contains) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snapshot
	for id, data := range m.docs[collection] {
		if containsValue(data, cond) {
			out = append(out, Snapshot{ID: id, Data: slices.Clone(data)})
		}
	}
	sortSnapshots(out)
	return out, nil
}

// All はコレクションの全ドキュメントを返す。
func (m *MemoryStore) All(ctx context.Context, collection string) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.docs[collection]))
	for id, data := range m.docs[collection] {
		out = append(out, Snapshot{ID: id, Data: slices.Clone(data)})
	}
	sortSnapshots(out)
	return out, nil
}

// Subscribe は包含条件のライブクエリを購読する。
func (m *MemoryStore) Subscribe(ctx context.Context, collection string, cond Contains) (*Subscription, error) {
	changes := make(chan struct{}, 1)

	m.mu.Lock()
	if m.watchers[collection] == nil {
		m.watchers[collection] = make(map[chan struct{}]struct{})
	}
	m.watchers[collection][changes] = struct{}{}
	m.mu.Unlock()

	return newSubscription(ctx, func(ctx context.Context, out chan<- []Snapshot) error {
		defer func() {
			m.mu.Lock()
			delete(m.watchers[collection], changes)
			m.mu.Unlock()
		}()
		return pump(ctx, changes, func(ctx context.Context) ([]Snapshot, error) {
			return m.Query(ctx, collection, cond)
		}, out)
	}), nil
}

// WatcherCount は指定コレクションの購読数を返す。テスト用。
func (m *MemoryStore) WatcherCount(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watchers[collection])
}

func (m *MemoryStore) put(collection, id string, data []byte) {
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string][]byte)
	}
	m.docs[collection][id] = slices.Clone(data)
}

// decodeLocked はドキュメントをトップレベルのフィールドに分解する。m.muを保持して呼ぶ。
func (m *MemoryStore) decodeLocked(collection, id string) (map[string]json.RawMessage, error) {
	data, ok := m.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return nil, fmt.Errorf("document %s/%s is not a JSON object", collection, id)
	}
	return doc, nil
}

func (m *MemoryStore) encodeLocked(collection, id string, doc map[string]json.RawMessage) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", collection, id, err)
	}
	m.put(collection, id, data)
	return nil
}

func (m *MemoryStore) notify(collection string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.watchers[collection] {
		signal(ch)
	}
}

// containsValue はJSONドキュメントの配列フィールドが値を含むかを判定する。
// オブジェクトでないドキュメント、フィールドが存在しない、または配列でない場合はfalse。
func containsValue(data []byte, cond Contains) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	raw, ok := fields[cond.Field]
	if !ok {
		return false
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return false
	}
	return slices.Contains(values, cond.Value)
}

// encodeFields はフィールドごとにJSONへエンコードする。
func encodeFields(fields map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %s: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}

func sortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}

// compile-time interface check
var (
	_ Store   = (*MemoryStore)(nil)
	_ Scanner = (*MemoryStore)(nil)
)
