package rxdjango

// Config is everything a Coordinator needs to lazily construct its
// Builder and Transport (spec.md §4.1 constructor inputs, §4.2
// construction inputs, §6 "Configuration").
type Config struct {
	// Endpoint is the channel's URL template; Args supplies the values
	// for any "{placeholder}" segments (see EndpointTemplate.Expand).
	Endpoint EndpointTemplate
	Args     map[string]string

	Token        string
	Subprotocols []string

	// Transport is nil to accept DefaultTransportSettings().
	Transport *TransportSettings

	ModelMap   ModelMap
	AnchorType string
	Many       bool
}

func (self Config) resolvedEndpoint() string {
	return self.Endpoint.Expand(self.Args)
}
