package config

// ActorConfig sizes actor channels and buffers.
type ActorConfig struct {
    // ChannelCapacity bounds every actor inbox
    ChannelCapacity int `mapstructure:"channel_capacity"`
    // CallTimeoutMS is the request/response deadline in milliseconds
    CallTimeoutMS int `mapstructure:"call_timeout_ms"`
    // ReadBufferBytes sizes each connection's read buffer
    ReadBufferBytes int `mapstructure:"read_buffer_bytes"`
}
