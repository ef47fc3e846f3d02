package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddRemove(t *testing.T) {
	r := NewMemoryRegistry()
	assert.True(t, r.IsEmpty("s1"))

	assert.True(t, r.Add("s1", "u1"))
	assert.True(t, r.Add("s1", "u2"))
	assert.True(t, r.Contains("s1", "u1"))
	assert.False(t, r.Contains("s2", "u1"))
	assert.Equal(t, []string{"u1", "u2"}, r.Members("s1"))

	assert.True(t, r.Remove("s1", "u1"))
	assert.False(t, r.Remove("s1", "u1"))
	assert.False(t, r.IsEmpty("s1"))
	assert.True(t, r.Remove("s1", "u2"))
	assert.True(t, r.IsEmpty("s1"))
	assert.Equal(t, 0, r.NoSessions())
	assert.Empty(t, r.Members("s1"))
}

func TestMultipleConnections(t *testing.T) {
	r := NewMemoryRegistry()
	assert.True(t, r.Add("s1", "u1"))
	assert.False(t, r.Add("s1", "u1"))

	assert.False(t, r.Remove("s1", "u1"))
	assert.True(t, r.Contains("s1", "u1"))
	assert.True(t, r.Remove("s1", "u1"))
	assert.False(t, r.Contains("s1", "u1"))
}

func TestVoice(t *testing.T) {
	r := NewMemoryRegistry()
	r.Add("s1", "u1")

	assert.True(t, r.SetVoice("c1", "s1", "u1"))
	assert.False(t, r.SetVoice("c1", "s1", "u1"))
	v, ok := r.Voice("c1")
	assert.True(t, ok)
	assert.Equal(t, VoiceAssociation{SessionId: "s1", UserId: "u1"}, v)

	v, ok = r.ClearVoice("c1")
	assert.True(t, ok)
	assert.Equal(t, "s1", v.SessionId)
	_, ok = r.ClearVoice("c1")
	assert.False(t, ok)

	// the chat room presence is unaffected
	assert.True(t, r.Contains("s1", "u1"))
}

func TestConcurrentAccess(t *testing.T) {
	r := NewMemoryRegistry()
	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userId := fmt.Sprintf("u%d", i%5)
			r.Add("s1", userId)
			r.SetVoice(fmt.Sprintf("c%d", i), "s1", userId)
			r.Members("s1")
			r.ClearVoice(fmt.Sprintf("c%d", i))
			r.Remove("s1", userId)
		}(i)
	}
	wg.Wait()
	assert.True(t, r.IsEmpty("s1"))
}
