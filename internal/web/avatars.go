package web

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	gravatarBase = "https://www.gravatar.com/avatar"

	// avatarWorkers bounds concurrent gravatar fetches per request.
	avatarWorkers = 20

	maxAvatarBytes = 256 * 1024
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// avatarService fetches gravatars and renders them as a CSS sheet of
// inlined background images, keyed by address hash.
type avatarService struct {
	client  *http.Client
	baseURL string

	mu    sync.Mutex
	cache map[string]string
}

func newAvatarService(client *http.Client) *avatarService {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &avatarService{
		client:  client,
		baseURL: gravatarBase,
		cache:   map[string]string{},
	}
}

// CSS builds one rule per hash. Hashes that cannot be fetched are
// skipped so a missing avatar never breaks the sheet.
func (a *avatarService) CSS(hashes []string, size int, fallback string) string {
	if size <= 0 {
		size = 20
	}
	if fallback == "" {
		fallback = "identicon"
	}

	valid := make([]string, 0, len(hashes))
	for _, h := range hashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if hashPattern.MatchString(h) {
			valid = append(valid, h)
		}
	}
	sort.Strings(valid)

	type result struct {
		hash string
		data string
	}
	results := make(chan result, len(valid))
	sem := make(chan struct{}, avatarWorkers)
	var wg sync.WaitGroup

	for _, h := range valid {
		wg.Add(1)
		go func(hash string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			data, err := a.fetch(hash, size, fallback)
			if err != nil {
				return
			}
			results <- result{hash: hash, data: data}
		}(h)
	}
	wg.Wait()
	close(results)

	byHash := map[string]string{}
	for r := range results {
		byHash[r.hash] = r.data
	}

	var b strings.Builder
	for _, h := range valid {
		data, ok := byHash[h]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, ".pic-%s {background-image: url(data:image/png;base64,%s);}\n", h, data)
	}
	return b.String()
}

func (a *avatarService) fetch(hash string, size int, fallback string) (string, error) {
	key := fmt.Sprintf("%s/%d/%s", hash, size, fallback)
	a.mu.Lock()
	if data, ok := a.cache[key]; ok {
		a.mu.Unlock()
		return data, nil
	}
	a.mu.Unlock()

	url := fmt.Sprintf("%s/%s?s=%d&d=%s", a.baseURL, hash, size, fallback)
	resp, err := a.client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gravatar returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes))
	if err != nil {
		return "", err
	}
	data := base64.StdEncoding.EncodeToString(body)

	a.mu.Lock()
	a.cache[key] = data
	a.mu.Unlock()
	return data, nil
}
