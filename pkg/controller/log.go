package controller

import "k8s.io/klog/v2"

// Log - this struct abstracts the logging libraries into single interface.
type Log struct {
}

// Info - log the messages to be info
func (l Log) Info(msg string) {
	klog.Info(msg)
}

// Infof - log the messages to be info messages and formatted.
func (l Log) Infof(format string, args ...interface{}) {
	klog.Infof(format, args...)
}

// Errorf - log the messages to be error messages and formatted.
func (l Log) Errorf(format string, args ...interface{}) {
	klog.Errorf(format, args...)
}

// Error - log the messages to be error
func (l Log) Error(err error) {
	klog.Error(err)
}
