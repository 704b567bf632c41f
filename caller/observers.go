package caller

type observers struct {
	ringing        func(Call)
	connected      func(Call)
	connectFailure func(Call, *CallError)
	reconnecting   func(Call, *CallError)
	reconnected    func(Call)
	disconnected   func(Call, *CallError)
}

func newObservers(opts []CallOption) *observers {
	o := &observers{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CallOption attaches an observer to a call started by Accept or Connect.
type CallOption func(*observers)

// WithOnRinging is called after the ringing tone has been started.
func WithOnRinging(fn func(Call)) CallOption {
	return func(o *observers) { o.ringing = fn }
}

// WithOnConnected is called after the audio route is active and the ringing stopped.
func WithOnConnected(fn func(Call)) CallOption {
	return func(o *observers) { o.connected = fn }
}

// WithOnConnectFailure is called after the audio route is released.
func WithOnConnectFailure(fn func(Call, *CallError)) CallOption {
	return func(o *observers) { o.connectFailure = fn }
}

// WithOnReconnecting is called when the call media is interrupted.
func WithOnReconnecting(fn func(Call, *CallError)) CallOption {
	return func(o *observers) { o.reconnecting = fn }
}

// WithOnReconnected is called when the call media is restored.
func WithOnReconnected(fn func(Call)) CallOption {
	return func(o *observers) { o.reconnected = fn }
}

// WithOnDisconnected is called after the audio route is stopped and the
// tone player released.
func WithOnDisconnected(fn func(Call, *CallError)) CallOption {
	return func(o *observers) { o.disconnected = fn }
}
