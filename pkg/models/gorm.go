package models

func ModelsToAutoMigrate() []interface{} {
	return []interface{}{
		&CacheEntry{},
		&RecognitionRun{},
	}
}
