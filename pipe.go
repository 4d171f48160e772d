package npipe

// NamedPipe is the shared per-name state: the configuration fixed by the
// first create and the list of server instances. It exists from the first
// create for its name until the last instance closes.
type NamedPipe struct {
	device *Device
	name   string
	key    string

	config PipeConfig

	// flags is the static transport-mode flag every end inherits; only
	// the write-framing bit is shared, read typing is per end.
	flags Flags

	instances int
	servers   []*Server
}

func (p *NamedPipe) Name() string {
	return p.name
}

// findAvailableServer picks the instance a connect will use: servers with a
// listen pending win over merely idle ones.
func (p *NamedPipe) findAvailableServer() *Server {
	for _, s := range p.servers {
		if s.state == StateWaitOpen {
			return s
		}
	}
	for _, s := range p.servers {
		if s.state == StateIdle {
			return s
		}
	}
	return nil
}

func (p *NamedPipe) removeServer(server *Server) {
	for i, s := range p.servers {
		if s == server {
			p.servers = append(p.servers[:i], p.servers[i+1:]...)
			break
		}
	}
	p.instances--

	if len(p.servers) == 0 {
		p.device.removePipe(p)
	}
}
