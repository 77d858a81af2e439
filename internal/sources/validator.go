package sources

// Classify decides whether the fields read from a source form a valid seed.
// An empty store is absent, a store missing instance-id or local-hostname is
// malformed, and anything else resolves. Both readers go through here so that
// directory and URL sources pass or fail on the same criteria.
func Classify(fields FieldStore) Outcome {
	if len(fields) == 0 {
		return Absent()
	}

	var missing []string
	for _, name := range requiredFields {
		if !fields.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Malformed(missing)
	}

	md := make(Metadata, len(fields))
	for name, value := range fields {
		if isMetadataField(name) {
			md[name] = string(value)
		}
	}

	return Resolved(fields[FieldUserData], md)
}
