package main

import "github.com/perdura/perdura/pkg/registry"

// registerTasks is the embedding point for workflow definitions. Deployments
// build their own worker binary around the engine packages and register
// their tasks here (or through their host framework's wiring).
func registerTasks(_ *registry.Registry) {}
