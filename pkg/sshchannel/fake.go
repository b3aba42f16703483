package sshchannel

import "sync"

// Fake is an in-memory Channel for lifecycle tests.
type Fake struct {
	mu           sync.Mutex
	Commands     []string
	Disconnected bool
	// Responses maps a command to the stdout/exit-status it returns. A
	// command not present succeeds with empty stdout and exit 0.
	Responses map[string]FakeResponse
}

// FakeResponse scripts one ExecCommand call's result.
type FakeResponse struct {
	Stdout []byte
	Status int
	Err    error
}

// NewFake builds an empty Fake.
func NewFake() *Fake {
	return &Fake{Responses: make(map[string]FakeResponse)}
}

func (f *Fake) ExecCommand(cmd string) ([]byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, cmd)

	if resp, ok := f.Responses[cmd]; ok {
		return resp.Stdout, resp.Status, resp.Err
	}
	return nil, 0, nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnected = true
	return nil
}
