package rodcapture

import (
	"errors"
	"testing"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPage records the calls submitLogin makes.
type scriptedPage struct {
	events     []string
	elementErr error
}

func (p *scriptedPage) WaitNavigation(name proto.PageLifecycleEventName) func() {
	p.events = append(p.events, "arm:"+string(name))
	return func() { p.events = append(p.events, "wait") }
}

func (p *scriptedPage) Element(selector string) (*rod.Element, error) {
	p.events = append(p.events, "element:"+selector)
	return nil, p.elementErr
}

func (p *scriptedPage) click() error {
	p.events = append(p.events, "click")
	return nil
}

var armed = "arm:" + string(proto.PageLifecycleEventNameNetworkAlmostIdle)

func TestSubmitLogin_SuccessSelector(t *testing.T) {
	p := &scriptedPage{}
	require.NoError(t, submitLogin(p, p.click, "#dashboard"))
	assert.Equal(t, []string{"click", "element:#dashboard"}, p.events)
}

func TestSubmitLogin_WaitsForNavigation(t *testing.T) {
	p := &scriptedPage{}
	require.NoError(t, submitLogin(p, p.click, ""))
	assert.Equal(t, []string{armed, "click", "wait"}, p.events)
}

func TestSubmitLogin_Errors(t *testing.T) {
	p := &scriptedPage{elementErr: errors.New("context deadline exceeded")}
	err := submitLogin(p, p.click, "#dashboard")
	assert.ErrorContains(t, err, `login did not reach "#dashboard"`)

	failing := func() error { return errors.New("node detached") }
	p = &scriptedPage{}
	err = submitLogin(p, failing, "")
	assert.ErrorContains(t, err, "click login submit")
	assert.Equal(t, []string{armed}, p.events)
}
