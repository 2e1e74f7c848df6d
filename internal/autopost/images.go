package autopost

// SelectImages picks up to maxImages cover candidates from the entities
// referenced in body, in first-seen order, skipping excluded URLs. When
// every candidate is excluded it falls back to the first referenced image
// regardless of exclusions, so a post with any known image always gets one.
func SelectImages(body string, lookup map[string]string, excluded map[string]struct{}, maxImages int) []string {
	if maxImages <= 0 {
		maxImages = DefaultMaxImages
	}
	refs := ExtractReferences(body)
	selected := make([]string, 0, maxImages)
	seen := map[string]struct{}{}
	for _, slug := range refs {
		url, ok := lookup[slug]
		if !ok || url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		if _, skip := excluded[url]; skip {
			continue
		}
		seen[url] = struct{}{}
		selected = append(selected, url)
		if len(selected) == maxImages {
			return selected
		}
	}
	if len(selected) > 0 {
		return selected
	}
	for _, slug := range refs {
		if url := lookup[slug]; url != "" {
			return []string{url}
		}
	}
	return selected
}

var layoutByCount = [...]LayoutKind{LayoutNone, LayoutSingle, LayoutDual, LayoutTriple, LayoutQuad}

// ComposeCover maps an image list to its layout archetype. Lists longer
// than four are cut to four.
func ComposeCover(images []string) CoverImageSet {
	if len(images) > DefaultMaxImages {
		images = images[:DefaultMaxImages]
	}
	out := make([]string, len(images))
	copy(out, images)
	return CoverImageSet{Images: out, Layout: layoutByCount[len(out)]}
}
