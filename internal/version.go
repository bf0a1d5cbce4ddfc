package internal

// Version is the relay build version, reported by /healthz, the -version
// flags and the tracing resource.
var Version = "0.3.0"
