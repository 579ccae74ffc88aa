package sqlstore

// SetHook installs a failure-injection hook that runs after each write
// statement inside Append and DeleteThread transactions.
func SetHook(s *Store, hook func(stage string) error) {
	s.hook = hook
}
