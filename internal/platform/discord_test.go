package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		BaseURL:           srv.URL,
		Token:             "secret",
		GuildID:           "100",
		RequestsPerSecond: 1000,
		Burst:             100,
		Logger:            zap.NewNop(),
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresTokenAndGuild(t *testing.T) {
	_, err := New(Config{GuildID: "1"})
	require.Error(t, err)
	_, err = New(Config{Token: "t"})
	require.Error(t, err)
}

func TestMembersPaginatesAndAddsDefaultRole(t *testing.T) {
	var afters []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bot secret", r.Header.Get("Authorization"))
		require.Equal(t, "/guilds/100/members", r.URL.Path)
		after := r.URL.Query().Get("after")
		afters = append(afters, after)

		var page []apiMember
		if after == "0" {
			for i := 0; i < memberPageSize; i++ {
				page = append(page, apiMember{User: apiUser{ID: strconv.Itoa(i + 1)}})
			}
			page[memberPageSize-1].User.ID = "555"
		} else {
			page = []apiMember{{User: apiUser{ID: "777", Username: "pilot", Bot: true}, Nick: "Pilot One", Roles: []string{"7"}}}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))

	members, err := c.Members(context.Background())
	require.NoError(t, err)
	require.Len(t, members, memberPageSize+1)
	require.Equal(t, []string{"0", "555"}, afters)

	last := members[len(members)-1]
	require.Equal(t, "777", last.ID)
	require.Equal(t, "Pilot One", last.Name)
	require.True(t, last.Bot)
	require.True(t, last.Online())
	require.Equal(t, []string{"100", "7"}, last.Roles)
}

func TestGrantRolesSendsMergedList(t *testing.T) {
	var got map[string][]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/guilds/100/members/42", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))

	m := Member{ID: "42", Roles: []string{"100", "R1"}}
	require.NoError(t, c.GrantRoles(context.Background(), m, []Role{{ID: "R2"}, {ID: "R1"}}))
	require.Equal(t, []string{"R1", "R2"}, got["roles"])
}

func TestRevokeRolesNeverSendsDefaultRole(t *testing.T) {
	var got map[string][]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))

	m := Member{ID: "42", Roles: []string{"100", "R1", "R2"}}
	require.NoError(t, c.RevokeRoles(context.Background(), m, []Role{{ID: "R1"}}))
	require.Equal(t, []string{"R2"}, got["roles"])
}

func TestEmptyRoleChangesMakeNoCalls(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	require.NoError(t, c.GrantRoles(context.Background(), Member{ID: "1"}, nil))
	require.NoError(t, c.RevokeRoles(context.Background(), Member{ID: "1"}, nil))
	require.Zero(t, calls)
}

func TestRateLimitedResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"message":"You are being rate limited.","retry_after":1.5,"global":false}`)
	}))

	err := c.Send(context.Background(), "9", "hello")
	require.Error(t, err)
	require.True(t, IsRateLimited(err))
	require.True(t, IsTransient(err))
	require.False(t, IsSessionLost(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 1500*time.Millisecond, apiErr.RetryAfter)
}

func TestUnauthorizedIsSessionLost(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"401: Unauthorized","code":0}`)
	}))

	_, err := c.Self(context.Background())
	require.ErrorIs(t, err, ErrSessionLost)
	require.False(t, IsTransient(err))
}

func TestUnknownGuildIsSessionLost(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Unknown Guild","code":10004}`)
	}))

	_, _, err := c.Roles(context.Background())
	require.True(t, IsSessionLost(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream gone")
	}))

	err := c.Send(context.Background(), "9", "x")
	require.True(t, IsTransient(err))
	require.Contains(t, err.Error(), "upstream gone")
}

func TestSendDirectReturnsIDs(t *testing.T) {
	var (
		mu      sync.Mutex
		content string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/users/@me/channels", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "42", body["recipient_id"])
		_ = json.NewEncoder(w).Encode(apiChannel{ID: "dm-1", Type: 1})
	})
	mux.HandleFunc("/channels/dm-1/messages", func(w http.ResponseWriter, r *http.Request) {
		var body createMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		content = body.Content
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(apiMessage{ID: "m-9"})
	})
	c := newTestClient(t, mux)

	dm, err := c.SendDirect(context.Background(), "42", "hi")
	require.NoError(t, err)
	require.Equal(t, DirectMessage{ChannelID: "dm-1", MessageID: "m-9"}, dm)
	mu.Lock()
	require.Equal(t, "hi", content)
	mu.Unlock()
}

func TestOpenDirectDoesNotPost(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/@me/channels", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(apiChannel{ID: "dm-7", Type: 1, LastMessageID: "m-3"})
	})
	mux.HandleFunc("/channels/dm-7/messages", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
	})
	c := newTestClient(t, mux)

	dm, err := c.OpenDirect(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, DirectMessage{ChannelID: "dm-7", MessageID: "m-3"}, dm)
}

func TestMessagesSortedOldestFirst(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "10", r.URL.Query().Get("after"))
		_ = json.NewEncoder(w).Encode([]apiMessage{
			{ID: "100", Content: "c", Author: apiUser{ID: "u"}},
			{ID: "12", Content: "a"},
			{ID: "99", Content: "b"},
		})
	}))

	msgs, err := c.Messages(context.Background(), "dm-1", "10")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
	require.Equal(t, "dm-1", msgs[2].ChannelID)
	require.Equal(t, "u", msgs[2].AuthorID)
}

func TestCanceledContextStopsBeforeRequest(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, c.Send(ctx, "1", "x"))
	require.Zero(t, calls)
}
