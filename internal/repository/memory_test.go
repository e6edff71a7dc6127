package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"media-studio/internal/domain"
)

func media(id string) domain.Media {
	return domain.Media{ID: id, Kind: domain.KindImage, Prompt: "p " + id, CreatedAt: time.Now()}
}

func TestMemory_PrependListGet(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	require.NoError(t, m.Prepend(ctx, "u-1", media("a")))
	require.NoError(t, m.Prepend(ctx, "u-1", media("b")))
	require.NoError(t, m.Prepend(ctx, "u-2", media("c")))

	out, err := m.List(ctx, "u-1", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, ids(out))

	out, err = m.List(ctx, "u-1", 1)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ids(out))

	got, err := m.Get(ctx, "u-1", "a")
	require.NoError(t, err)
	require.Equal(t, "p a", got.Prompt)

	_, err = m.Get(ctx, "u-2", "a")
	require.ErrorIs(t, err, ErrNotFound)

	out, err = m.List(ctx, "nobody", 10)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestMemory_ListReturnsCopy(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	require.NoError(t, m.Prepend(ctx, "u", media("a")))

	out, _ := m.List(ctx, "u", 0)
	out[0].Prompt = "changed"

	again, _ := m.List(ctx, "u", 0)
	require.Equal(t, "p a", again[0].Prompt)
}

func TestMemory_CapDropsOldest(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Prepend(ctx, "u", media(fmt.Sprint(i))))
	}
	out, err := m.List(ctx, "u", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"4", "3", "2"}, ids(out))
}

func TestMemory_PrependValidation(t *testing.T) {
	m := NewMemory(0)
	require.Error(t, m.Prepend(context.Background(), "", media("a")))
	require.Error(t, m.Prepend(context.Background(), "u", domain.Media{}))
}

func TestMemory_Language(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	_, ok, err := m.Language(ctx, "u")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Prepend(ctx, "u", media("a")))
	before, _ := m.List(ctx, "u", 0)

	require.NoError(t, m.SetLanguage(ctx, "u", domain.LanguageEnglish))
	lang, ok, err := m.Language(ctx, "u")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.LanguageEnglish, lang)

	after, _ := m.List(ctx, "u", 0)
	require.Equal(t, before, after)

	require.Error(t, m.SetLanguage(ctx, "", domain.LanguageArabic))
}

func TestMemory_ConcurrentPrepend(t *testing.T) {
	m := NewMemory(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Prepend(ctx, "u", media(fmt.Sprint(i)))
			_, _ = m.List(ctx, "u", 5)
		}(i)
	}
	wg.Wait()

	out, err := m.List(ctx, "u", 0)
	require.NoError(t, err)
	require.Len(t, out, 50)
}

// History is newest first for any interleaving of users, caps and limits.
func TestMemory_NewestFirstProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxPerUser := rapid.IntRange(1, 20).Draw(t, "maxPerUser")
		m := NewMemory(maxPerUser)
		ctx := context.Background()

		users := []string{"u-1", "u-2", "u-3"}
		model := map[string][]string{}

		steps := rapid.IntRange(0, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			user := rapid.SampledFrom(users).Draw(t, "user")
			id := fmt.Sprintf("m-%d", i)
			if err := m.Prepend(ctx, user, media(id)); err != nil {
				t.Fatalf("prepend: %v", err)
			}
			model[user] = append([]string{id}, model[user]...)
		}

		for _, user := range users {
			limit := rapid.IntRange(0, 25).Draw(t, "limit")
			got, err := m.List(ctx, user, limit)
			if err != nil {
				t.Fatalf("list: %v", err)
			}

			want := model[user]
			if len(want) > maxPerUser {
				want = want[:maxPerUser]
			}
			if limit > 0 && limit < len(want) {
				want = want[:limit]
			}
			if fmt.Sprint(ids(got)) != fmt.Sprint(want) {
				t.Fatalf("user %s limit %d: got %v want %v", user, limit, ids(got), want)
			}
		}
	})
}

func ids(items []domain.Media) []string {
	out := make([]string, 0, len(items))
	for _, m := range items {
		out = append(out, m.ID)
	}
	return out
}
