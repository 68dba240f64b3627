// Package logx is a thin structured-logging kit over zerolog.
//
// It exists so services can hold a Logger value without caring where output
// goes. A Service owns the sinks (console, optional file) and can be
// reconfigured live via Apply(); loggers created from it pick up the new
// configuration on the next write.
//
// The zero Logger is a safe no-op, which keeps constructors of small
// components free of nil checks.
package logx
