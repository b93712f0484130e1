package database

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// Check for PostgreSQL unique violation error code 23505
	// This is a simplified check - in production you might want to use
	// github.com/jackc/pgconn for more robust error type checking
	errStr := err.Error()
	return contains(errStr, "23505") || contains(errStr, "unique constraint")
}

// IsForeignKeyViolation checks if an error is a PostgreSQL foreign key violation
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// PostgreSQL FK violation code 23503 (foreign_key_violation)
	return contains(errStr, "23503") || contains(errStr, "foreign key constraint")
}

// IsSerializationFailure checks if an error is a PostgreSQL serialization failure
func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// PostgreSQL serialization failure code 40001
	return contains(errStr, "40001") || contains(errStr, "could not serialize")
}

// IsDeadlockDetected checks if an error is a PostgreSQL deadlock
func IsDeadlockDetected(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// PostgreSQL deadlock code 40P01
	return contains(errStr, "40P01") || contains(errStr, "deadlock detected")
}

// contains checks if a string contains a substring
func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > 0 && containsHelper(s, substr))
}

func containsHelper(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
