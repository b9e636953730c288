// Package registry holds the task schemas known to the control plane.
//
// A Registry starts with the built-in task types (shell_script,
// flink_streaming, approval) and adds schemas loaded from YAML files. The
// Loader can watch those files and swap the registry contents atomically
// when they change. ConfigValidator checks node configs against a task
// type's OpenAPI executionConfigSchema.
package registry
