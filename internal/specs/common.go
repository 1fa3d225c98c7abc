package specs

import (
	"fmt"

	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// RequireDataKey passes when key is present in the run data.
func RequireDataKey(key string) Spec {
	return Func(func(v workflow.View) Verdict {
		if _, ok := v.Get(key); !ok {
			return Fail(fmt.Sprintf("%s is missing", key), fmt.Sprintf("Set %s before this step", key))
		}
		return Pass(fmt.Sprintf("%s is present", key))
	})
}

// RequireNonEmptyList passes when key holds a non-empty list, map or string.
func RequireNonEmptyList(key string) Spec {
	return Func(func(v workflow.View) Verdict {
		raw, ok := v.Get(key)
		if !ok {
			return Fail(fmt.Sprintf("%s is missing", key), fmt.Sprintf("Populate %s", key))
		}
		if s, isString := raw.(string); isString {
			if s == "" {
				return Fail(fmt.Sprintf("%s is empty", key), fmt.Sprintf("Populate %s", key))
			}
			return Pass(fmt.Sprintf("%s is set", key))
		}
		n, isList := workflow.Len(raw)
		if !isList {
			return Fail(fmt.Sprintf("%s is a %T, not a collection", key, raw), "")
		}
		if n == 0 {
			return Fail(fmt.Sprintf("%s is empty", key), fmt.Sprintf("Populate %s", key))
		}
		return Pass(fmt.Sprintf("%s has %d element(s)", key, n))
	})
}

// RequireConfigKey passes when the run config defines key.
func RequireConfigKey(key string) Spec {
	return Func(func(v workflow.View) Verdict {
		raw, ok := v.Config(key)
		if !ok || raw == nil || raw == "" {
			return Fail(fmt.Sprintf("config %s is not set", key), fmt.Sprintf("Configure %s", key), "config")
		}
		return Pass(fmt.Sprintf("config %s is set", key), "config")
	})
}
