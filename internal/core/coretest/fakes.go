// Package coretest provides in-memory fakes of the core interfaces for
// package tests. Every method has an optional override hook; the defaults
// model the real adapters closely enough for pipeline-level tests, including
// the progress clamp and the processing lock transition.
package coretest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/veridoc-ai/veridoc/internal/core"
	"github.com/veridoc-ai/veridoc/internal/models"
)

// ProgressEvent is one recorded document progress update.
type ProgressEvent struct {
	Status    string
	Progress  float64
	Operation string
}

// FakeDB is an in-memory core.DbClient. Zero value is usable.
type FakeDB struct {
	mu sync.Mutex

	Users    map[string]*models.User // keyed by email
	Docs     map[string]*models.Document
	Chunks   map[string][]models.DocumentChunk // keyed by document id
	Vectors  map[string]models.ChunkVector     // keyed by chunk id
	Jobs     []*models.ProcessingJob
	Cache    map[string]models.EmbeddingCacheEntry
	Messages []models.ChatMessage

	// ProgressLog records every UpdateDocumentProgress call per document,
	// in order, so tests can assert monotonicity and band ordering.
	ProgressLog map[string][]ProgressEvent

	// Optional overrides. When nil the in-memory default runs.
	GetCacheFn      func(ctx context.Context, hashes []string) (map[string]models.EmbeddingCacheEntry, error)
	PutCacheFn      func(ctx context.Context, entry *models.EmbeddingCacheEntry) error
	SearchFn        func(ctx context.Context, documentID string, queryVec []float32, limit int) ([]models.ScoredChunk, error)
	CountChunksFn   func(ctx context.Context, documentID string) (int, error)
	GetVectorsFn    func(ctx context.Context, chunkIDs []string) ([]models.ChunkVector, error)
	InsertVectorsFn func(ctx context.Context, vectors []models.ChunkVector) error
	InsertChunksFn  func(ctx context.Context, chunks []models.DocumentChunk) error
}

var _ core.DbClient = (*FakeDB)(nil)

func NewFakeDB() *FakeDB {
	return &FakeDB{
		Users:       map[string]*models.User{},
		Docs:        map[string]*models.Document{},
		Chunks:      map[string][]models.DocumentChunk{},
		Vectors:     map[string]models.ChunkVector{},
		Cache:       map[string]models.EmbeddingCacheEntry{},
		ProgressLog: map[string][]ProgressEvent{},
	}
}

func (f *FakeDB) CreateUser(ctx context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Users[user.Email]; ok {
		return errors.New("user exists")
	}
	u := *user
	f.Users[user.Email] = &u
	return nil
}

func (f *FakeDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.Users[email]
	if !ok {
		return nil, errors.New("user not found")
	}
	cp := *u
	return &cp, nil
}

func (f *FakeDB) CreateDocument(ctx context.Context, doc *models.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := *doc
	f.Docs[doc.ID] = &d
	return nil
}

func (f *FakeDB) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Docs[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (f *FakeDB) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Document
	for _, d := range f.Docs {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeDB) ListDocumentsByStatus(ctx context.Context, statuses []string) ([]models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Document
	for _, d := range f.Docs {
		for _, s := range statuses {
			if d.Status == s {
				out = append(out, *d)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeDB) DeleteDocument(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Docs, id)
	for _, ch := range f.Chunks[id] {
		delete(f.Vectors, ch.ID)
	}
	delete(f.Chunks, id)
	return nil
}

func (f *FakeDB) UpdateDocumentProgress(ctx context.Context, id, status string, progress float64, operation string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Docs[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	// Mirror the SQL GREATEST clamp.
	if progress < d.Progress {
		progress = d.Progress
	}
	d.Status = status
	d.Progress = progress
	d.Operation = operation
	if f.ProgressLog == nil {
		f.ProgressLog = map[string][]ProgressEvent{}
	}
	f.ProgressLog[id] = append(f.ProgressLog[id], ProgressEvent{Status: status, Progress: progress, Operation: operation})
	return nil
}

func (f *FakeDB) UpdateBatchWaitProgress(ctx context.Context, id string, progress float64, operation string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Docs[id]
	if !ok || (d.Status != models.StatusBatchQueued && d.Status != models.StatusBatchProcessing) {
		return false, nil
	}
	if progress < d.Progress {
		progress = d.Progress
	}
	d.Status = models.StatusBatchProcessing
	d.Progress = progress
	d.Operation = operation
	if f.ProgressLog == nil {
		f.ProgressLog = map[string][]ProgressEvent{}
	}
	f.ProgressLog[id] = append(f.ProgressLog[id], ProgressEvent{Status: d.Status, Progress: progress, Operation: operation})
	return true, nil
}

func (f *FakeDB) MarkDocumentError(ctx context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Docs[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	d.Status = models.StatusError
	d.Progress = 0
	d.Operation = "failed"
	d.ErrorMessage = message
	return nil
}

func (f *FakeDB) SetDocumentSummary(ctx context.Context, id, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.Docs[id]; ok {
		d.Summary = summary
	}
	return nil
}

func (f *FakeDB) TryLockProcessing(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Docs[id]
	if !ok || (d.Status != models.StatusBatchQueued && d.Status != models.StatusBatchProcessing) {
		return false, nil
	}
	d.Status = models.StatusProcessingLocked
	return true, nil
}

func (f *FakeDB) InsertChunks(ctx context.Context, chunks []models.DocumentChunk) error {
	if f.InsertChunksFn != nil {
		return f.InsertChunksFn(ctx, chunks)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range chunks {
		f.Chunks[ch.DocumentID] = append(f.Chunks[ch.DocumentID], ch)
	}
	return nil
}

func (f *FakeDB) GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]models.DocumentChunk(nil), f.Chunks[documentID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *FakeDB) CountChunksByDocument(ctx context.Context, documentID string) (int, error) {
	if f.CountChunksFn != nil {
		return f.CountChunksFn(ctx, documentID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Chunks[documentID]), nil
}

func (f *FakeDB) ListChunksByStatus(ctx context.Context, userID, docStatus string) ([]models.DocumentChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DocumentChunk
	for _, d := range f.Docs {
		if d.UserID == userID && d.Status == docStatus {
			out = append(out, f.Chunks[d.ID]...)
		}
	}
	return out, nil
}

func (f *FakeDB) InsertVectors(ctx context.Context, vectors []models.ChunkVector) error {
	if f.InsertVectorsFn != nil {
		return f.InsertVectorsFn(ctx, vectors)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range vectors {
		f.Vectors[v.ChunkID] = v
	}
	return nil
}

func (f *FakeDB) GetVectorsByChunkIDs(ctx context.Context, chunkIDs []string) ([]models.ChunkVector, error) {
	if f.GetVectorsFn != nil {
		return f.GetVectorsFn(ctx, chunkIDs)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChunkVector
	for _, id := range chunkIDs {
		if v, ok := f.Vectors[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *FakeDB) CountVectorsByDocument(ctx context.Context, documentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.Vectors {
		if v.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

func (f *FakeDB) SearchDocumentChunks(ctx context.Context, documentID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	if f.SearchFn != nil {
		return f.SearchFn(ctx, documentID, queryVec, limit)
	}
	return nil, nil
}

func (f *FakeDB) CreateProcessingJob(ctx context.Context, job *models.ProcessingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := *job
	f.Jobs = append(f.Jobs, &j)
	return nil
}

func (f *FakeDB) UpdateProcessingJob(ctx context.Context, id, jobType, operationRef, status, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.Jobs {
		if j.ID != id {
			continue
		}
		if jobType != "" {
			j.Type = jobType
		}
		if operationRef != "" {
			j.OperationRef = operationRef
		}
		if status != "" {
			j.Status = status
		}
		j.ErrorMessage = errMessage
		return nil
	}
	return fmt.Errorf("job %s not found", id)
}

func (f *FakeDB) GetLatestJobByDocument(ctx context.Context, documentID string) (*models.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Jobs) - 1; i >= 0; i-- {
		if f.Jobs[i].DocumentID == documentID {
			cp := *f.Jobs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *FakeDB) GetEmbeddingCacheEntries(ctx context.Context, hashes []string) (map[string]models.EmbeddingCacheEntry, error) {
	if f.GetCacheFn != nil {
		return f.GetCacheFn(ctx, hashes)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]models.EmbeddingCacheEntry{}
	for _, h := range hashes {
		if e, ok := f.Cache[h]; ok {
			out[h] = e
		}
	}
	return out, nil
}

func (f *FakeDB) PutEmbeddingCacheEntry(ctx context.Context, entry *models.EmbeddingCacheEntry) error {
	if f.PutCacheFn != nil {
		return f.PutCacheFn(ctx, entry)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cache[entry.ContentHash] = *entry
	return nil
}

func (f *FakeDB) InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, *msg)
	return nil
}

func (f *FakeDB) ListChatMessages(ctx context.Context, userID, documentID string) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChatMessage
	for _, m := range f.Messages {
		if m.UserID != userID {
			continue
		}
		if documentID != "" && m.DocumentID != documentID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *FakeDB) Close() error { return nil }

// Progress returns the recorded progress events for a document.
func (f *FakeDB) Progress(docID string) []ProgressEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ProgressEvent(nil), f.ProgressLog[docID]...)
}

// FakeObjectStore is an in-memory core.ObjectClient keyed by bucket/key.
type FakeObjectStore struct {
	mu    sync.Mutex
	Files map[string][]byte
}

var _ core.ObjectClient = (*FakeObjectStore)(nil)

func NewFakeObjectStore() *FakeObjectStore {
	return &FakeObjectStore{Files: map[string][]byte{}}
}

func (f *FakeObjectStore) key(bucket, key string) string { return bucket + "/" + key }

func (f *FakeObjectStore) UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[f.key(bucket, key)] = b
	return fmt.Sprintf("https://%s.s3.us-east-2.amazonaws.com/%s", bucket, key), nil
}

func (f *FakeObjectStore) DeleteFile(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Files, f.key(bucket, key))
	return nil
}

func (f *FakeObjectStore) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Files[f.key(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return append([]byte(nil), b...), nil
}

func (f *FakeObjectStore) GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	b, err := f.GetFile(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// FakeEmbeddingProvider counts calls and returns deterministic vectors.
type FakeEmbeddingProvider struct {
	mu    sync.Mutex
	Calls int
	Texts [][]string
	Fn    func(ctx context.Context, texts []string) ([][]float32, error)
	Model string
}

var _ core.EmbeddingProvider = (*FakeEmbeddingProvider)(nil)

func (f *FakeEmbeddingProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.Calls++
	f.Texts = append(f.Texts, append([]string(nil), texts...))
	f.mu.Unlock()
	if f.Fn != nil {
		return f.Fn(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (f *FakeEmbeddingProvider) ModelName() string {
	if f.Model != "" {
		return f.Model
	}
	return "fake-embed"
}

// CallCount returns how many EmbedTexts calls were made.
func (f *FakeEmbeddingProvider) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

// FakeOCR scripts the external text recognition provider.
type FakeOCR struct {
	mu       sync.Mutex
	Submits  int
	Polls    int
	SubmitFn func(ctx context.Context, bucket, key, contentType string) (string, error)
	PollFn   func(ctx context.Context, operationRef string) (*core.OCRResult, error)
}

var _ core.OCRProvider = (*FakeOCR)(nil)

func (f *FakeOCR) Submit(ctx context.Context, bucket, key, contentType string) (string, error) {
	f.mu.Lock()
	f.Submits++
	f.mu.Unlock()
	if f.SubmitFn != nil {
		return f.SubmitFn(ctx, bucket, key, contentType)
	}
	return "op-1", nil
}

func (f *FakeOCR) Poll(ctx context.Context, operationRef string) (*core.OCRResult, error) {
	f.mu.Lock()
	f.Polls++
	f.mu.Unlock()
	if f.PollFn != nil {
		return f.PollFn(ctx, operationRef)
	}
	return &core.OCRResult{Done: true}, nil
}

// PollCount returns how many polls were made.
func (f *FakeOCR) PollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Polls
}

// FakeLLM returns a canned answer.
type FakeLLM struct {
	Fn     func(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Answer string

	mu      sync.Mutex
	Prompts []string
}

var _ core.LLMProvider = (*FakeLLM)(nil)

func (f *FakeLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	f.Prompts = append(f.Prompts, userPrompt)
	f.mu.Unlock()
	if f.Fn != nil {
		return f.Fn(ctx, systemPrompt, userPrompt)
	}
	if f.Answer != "" {
		return f.Answer, nil
	}
	return "canned answer", nil
}

// LastPrompt returns the most recent user prompt, or "".
func (f *FakeLLM) LastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Prompts) == 0 {
		return ""
	}
	return f.Prompts[len(f.Prompts)-1]
}

// FakeExtractor scripts local extraction results.
type FakeExtractor struct {
	Res *core.LocalExtraction
	Err error
}

var _ core.LocalExtractor = (*FakeExtractor)(nil)

func (f *FakeExtractor) Extract(ctx context.Context, data []byte, contentType string) (*core.LocalExtraction, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Res, nil
}
