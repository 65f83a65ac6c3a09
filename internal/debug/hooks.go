package debug

import "sync"

// Hooks are used by tests to interrupt the engine at well-known points, for
// example between two increment writes to simulate a crashed session.

var (
	hooksMutex sync.Mutex
	hooks      map[string]func(interface{})
)

// Hook registers the function f to be called when RunHook is invoked with
// the same name.
func Hook(name string, f func(interface{})) {
	hooksMutex.Lock()
	defer hooksMutex.Unlock()

	if hooks == nil {
		hooks = make(map[string]func(interface{}))
	}
	hooks[name] = f
}

// RunHook runs a hook previously registered under name, if any.
func RunHook(name string, context interface{}) {
	hooksMutex.Lock()
	f, ok := hooks[name]
	hooksMutex.Unlock()

	if !ok {
		return
	}

	f(context)
}

// RemoveHook unregisters the hook with the given name.
func RemoveHook(name string) {
	hooksMutex.Lock()
	defer hooksMutex.Unlock()

	delete(hooks, name)
}
