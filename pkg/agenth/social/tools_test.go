package social

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/agenth/pkg/agenth/tools"
)

type recordingPoster struct {
	posts []string
	err   error
}

func (p *recordingPoster) Post(_ context.Context, text string) error {
	if p.err != nil {
		return p.err
	}
	p.posts = append(p.posts, text)
	return nil
}

func TestRegisterTools_PostMessage(t *testing.T) {
	p := &recordingPoster{}
	reg := tools.NewRegistry(nil)
	require.NoError(t, RegisterTools(reg, p))

	out, err := reg.Invoke(context.Background(), "post_message", `{"text":" gm "}`)
	require.NoError(t, err)
	assert.Equal(t, "posted", out)
	assert.Equal(t, []string{"gm"}, p.posts)

	_, err = reg.Invoke(context.Background(), "post_message", `{"text":"  "}`)
	assert.Error(t, err)

	p.err = &RateLimitError{Err: errors.New("slow down")}
	_, err = reg.Invoke(context.Background(), "post_message", `{"text":"again"}`)
	var rl *RateLimitError
	assert.ErrorAs(t, err, &rl)
}
